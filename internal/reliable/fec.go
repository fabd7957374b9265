package reliable

import (
	"encoding/binary"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// ShardEncoder groups outbound chunks into Reed-Solomon shard sets and
// computes parity shards, the same data|parity codeword layout
// kcp-go/fec.go documents. It is the optional domain-stack enrichment
// described in SPEC_FULL.md §4.3 — off by default (DataShards==0), and
// orthogonal to the ARQ window: data and parity shards are written straight
// to the transport (Channel.sendFECShard), never enter the send window and
// are never retransmitted, so a lost shard is recovered only by
// reconstruction from the others in its group.
type ShardEncoder struct {
	enc         reedsolomon.Encoder
	dataShards  int
	totalShards int
}

// NewShardEncoder returns nil (FEC disabled) when dataShards<=0.
func NewShardEncoder(dataShards, parityShards int) (*ShardEncoder, error) {
	if dataShards <= 0 {
		return nil, nil
	}
	if parityShards < 0 {
		parityShards = 0
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errors.Wrap(err, "reedsolomon")
	}
	return &ShardEncoder{enc: enc, dataShards: dataShards, totalShards: dataShards + parityShards}, nil
}

// lenPrefixSize is the per-shard length header so variable-length chunks can
// be zero-padded to a common shard size and trimmed back on reconstruction.
const lenPrefixSize = 4

// FEC shards ride ordinary DATA frames but bypass the ARQ window (see
// Channel.sendFECShard): fecTagByte marks a DATA payload as a shard rather
// than application data, followed by a 4-byte group sequence and a 2-byte
// shard index.
const (
	fecTagByte         = 0xFE
	fecShardHeaderSize = 1 + 4 + 2
)

// isFECShardPayload reports whether a DATA frame's payload is a tagged FEC
// shard rather than ordinary application data.
func isFECShardPayload(payload []byte) bool {
	return len(payload) > 0 && payload[0] == fecTagByte
}

// EncodeSet takes up to dataShards chunks (the last set in a file may have
// fewer; the remainder are treated as empty shards) and returns the full
// set of data+parity shards ready to be sent, in order.
func (e *ShardEncoder) EncodeSet(chunks [][]byte) ([][]byte, error) {
	if len(chunks) > e.dataShards {
		return nil, errors.Errorf("reliable: %d chunks exceeds %d data shards", len(chunks), e.dataShards)
	}
	maxLen := 0
	for _, c := range chunks {
		if l := len(c) + lenPrefixSize; l > maxLen {
			maxLen = l
		}
	}
	shards := make([][]byte, e.totalShards)
	for i := 0; i < e.dataShards; i++ {
		shard := make([]byte, maxLen)
		if i < len(chunks) {
			binary.LittleEndian.PutUint32(shard[:lenPrefixSize], uint32(len(chunks[i])))
			copy(shard[lenPrefixSize:], chunks[i])
		}
		shards[i] = shard
	}
	for i := e.dataShards; i < e.totalShards; i++ {
		shards[i] = make([]byte, maxLen)
	}
	if err := e.enc.Encode(shards); err != nil {
		return nil, errors.Wrap(err, "reedsolomon encode")
	}
	return shards, nil
}

// ShardDecoder reconstructs a shard set on the receive side once enough
// shards (data or parity) have arrived.
type ShardDecoder struct {
	enc        reedsolomon.Encoder
	dataShards int
}

func NewShardDecoder(dataShards, parityShards int) (*ShardDecoder, error) {
	if dataShards <= 0 {
		return nil, nil
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errors.Wrap(err, "reedsolomon")
	}
	return &ShardDecoder{enc: enc, dataShards: dataShards}, nil
}

// Reconstruct fills in missing shards (shards[i] == nil marks a missing
// one) and returns the original data chunks in order, with padding
// trimmed.
func (d *ShardDecoder) Reconstruct(shards [][]byte) ([][]byte, error) {
	if err := d.enc.Reconstruct(shards); err != nil {
		return nil, errors.Wrap(err, "reedsolomon reconstruct")
	}
	out := make([][]byte, 0, d.dataShards)
	for i := 0; i < d.dataShards; i++ {
		shard := shards[i]
		if len(shard) < lenPrefixSize {
			return nil, errors.New("reliable: shard shorter than length prefix")
		}
		n := binary.LittleEndian.Uint32(shard[:lenPrefixSize])
		if int(n) > len(shard)-lenPrefixSize {
			return nil, errors.New("reliable: corrupt shard length prefix")
		}
		out = append(out, shard[lenPrefixSize:lenPrefixSize+int(n)])
	}
	return out, nil
}
