package frame

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// frameEOF terminates every wire frame after its CRC.
const frameEOF = 0x7E

// headerLen is SYNC(2) + TYPE(1) + SEQ(2) + LEN(2).
const headerLen = 7

// ErrPayloadTooLarge is returned by the encode_* helpers when a caller asks
// for a DATA frame whose payload exceeds the configured max_payload_size.
var ErrPayloadTooLarge = errors.New("frame: payload exceeds max_payload_size")

// Codec is a pure state machine over a rolling byte buffer: it never blocks
// and never performs I/O. Append feeds it bytes as they arrive from a
// Transport; TryGetFrame pulls out whole frames, one at a time, resyncing on
// the SYNC marker whenever it encounters garbage or a checksum mismatch.
type Codec struct {
	buf            []byte
	maxPayloadSize int
}

// NewCodec returns a codec that rejects any DATA frame whose payload would
// exceed maxPayloadSize (the protocol ceiling is frame.MaxPayloadSize
// regardless of what is passed here).
func NewCodec(maxPayloadSize int) *Codec {
	if maxPayloadSize <= 0 || maxPayloadSize > MaxPayloadSize {
		maxPayloadSize = MaxPayloadSize
	}
	return &Codec{maxPayloadSize: maxPayloadSize}
}

// Append adds newly received bytes to the codec's internal buffer.
func (c *Codec) Append(b []byte) {
	c.buf = append(c.buf, b...)
}

// Buffered reports how many bytes are waiting to be parsed.
func (c *Codec) Buffered() int {
	return len(c.buf)
}

// TryGetFrame consumes one whole frame from the internal buffer if one is
// available. It returns (Frame{}, false) when there isn't enough data yet.
// A frame with Valid=false is returned (ok=true) when a checksum or length
// violation was found; the caller is expected to count it as invalid and
// call TryGetFrame again to continue resynchronizing.
func (c *Codec) TryGetFrame() (Frame, bool) {
	idx := bytes.Index(c.buf, SyncWord[:])
	if idx < 0 {
		// Keep a possible half-SYNC at the tail so the next Append can
		// complete it; drop everything before that.
		if n := len(c.buf); n > 1 {
			c.buf = c.buf[n-1:]
		}
		return Frame{}, false
	}
	if idx > 0 {
		c.buf = c.buf[idx:]
	}
	if len(c.buf) < headerLen {
		return Frame{}, false
	}

	typ := Type(c.buf[2])
	seq := binary.LittleEndian.Uint16(c.buf[3:5])
	length := int(binary.LittleEndian.Uint16(c.buf[5:7]))

	if length > c.maxPayloadSize || length > MaxPayloadSize {
		c.buf = c.buf[2:] // resync past this SYNC occurrence
		return Frame{Type: typ, Sequence: seq, Valid: false}, true
	}

	total := headerLen + length + 2 /*crc*/ + 1 /*eof*/
	if len(c.buf) < total {
		return Frame{}, false
	}

	payload := append([]byte(nil), c.buf[headerLen:headerLen+length]...)
	gotCRC := binary.LittleEndian.Uint16(c.buf[headerLen+length : headerLen+length+2])
	eof := c.buf[headerLen+length+2]
	wantCRC := crc16CCITT(c.buf[2:headerLen+length], 0xFFFF)

	valid := gotCRC == wantCRC && eof == frameEOF
	if !valid {
		c.buf = c.buf[2:] // don't trust LEN on a bad frame; resync byte by byte
		return Frame{Type: typ, Sequence: seq, Valid: false}, true
	}

	c.buf = c.buf[total:]
	return Frame{Type: typ, Sequence: seq, Payload: payload, Valid: true}, true
}

func encodeFrame(typ Type, seq uint16, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload)+2+1)
	copy(buf[0:2], SyncWord[:])
	buf[2] = byte(typ)
	binary.LittleEndian.PutUint16(buf[3:5], seq)
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(payload)))
	copy(buf[headerLen:], payload)
	crc := crc16CCITT(buf[2:headerLen+len(payload)], 0xFFFF)
	binary.LittleEndian.PutUint16(buf[headerLen+len(payload):], crc)
	buf[len(buf)-1] = frameEOF
	return buf
}

// EncodeData encodes a DATA frame. payload must be non-empty and within the
// codec's configured max_payload_size.
func (c *Codec) EncodeData(seq uint16, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("frame: DATA payload must be non-empty")
	}
	if len(payload) > c.maxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return encodeFrame(TypeData, seq, payload), nil
}

// EncodeAck encodes a zero-payload ACK frame.
func (c *Codec) EncodeAck(seq uint16) []byte { return encodeFrame(TypeAck, seq, nil) }

// EncodeNak encodes a zero-payload NAK frame.
func (c *Codec) EncodeNak(seq uint16) []byte { return encodeFrame(TypeNak, seq, nil) }

// EncodeEnd encodes a zero-payload END frame.
func (c *Codec) EncodeEnd(seq uint16) []byte { return encodeFrame(TypeEnd, seq, nil) }

// EncodeHeartbeat encodes a zero-payload HEARTBEAT frame.
func (c *Codec) EncodeHeartbeat(seq uint16) []byte { return encodeFrame(TypeHeartbeat, seq, nil) }

// EncodeStart encodes a START frame carrying session-initiation metadata.
func (c *Codec) EncodeStart(seq uint16, meta StartMetadata) ([]byte, error) {
	payload := encodeStartMetadata(meta)
	if len(payload) > c.maxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return encodeFrame(TypeStart, seq, payload), nil
}

func encodeStartMetadata(meta StartMetadata) []byte {
	nameBytes := []byte(meta.FileName)
	buf := make([]byte, 1+1+2+8+8+2+len(nameBytes))
	buf[0] = meta.Version
	buf[1] = meta.Flags
	binary.LittleEndian.PutUint16(buf[2:4], meta.SessionID)
	binary.LittleEndian.PutUint64(buf[4:12], meta.FileSize)
	binary.LittleEndian.PutUint64(buf[12:20], meta.ModifyTime)
	binary.LittleEndian.PutUint16(buf[20:22], uint16(len(nameBytes)))
	copy(buf[22:], nameBytes)
	return buf
}

// DecodeStartMetadata decodes the payload of a START frame. It reports ok=
// false if the payload is too short to be a valid StartMetadata encoding.
func DecodeStartMetadata(payload []byte) (StartMetadata, bool) {
	if len(payload) < 22 {
		return StartMetadata{}, false
	}
	meta := StartMetadata{
		Version:    payload[0],
		Flags:      payload[1],
		SessionID:  binary.LittleEndian.Uint16(payload[2:4]),
		FileSize:   binary.LittleEndian.Uint64(payload[4:12]),
		ModifyTime: binary.LittleEndian.Uint64(payload[12:20]),
	}
	nameLen := int(binary.LittleEndian.Uint16(payload[20:22]))
	if len(payload) < 22+nameLen {
		return StartMetadata{}, false
	}
	meta.FileName = string(payload[22 : 22+nameLen])
	return meta, true
}
