package reliable

import (
	"fmt"
	"sync/atomic"
)

// Stats are the running counters spec.md §3 requires. Like the teacher's
// SNMP-style counters (std.SnmpLogger / kcp.DefaultSnmp), they are exposed
// both as a typed snapshot and as a CSV record for periodic logging.
type Stats struct {
	PacketsSent          uint64
	PacketsReceived      uint64
	PacketsRetransmitted uint64
	PacketsInvalid       uint64
	BytesSent            uint64
	BytesReceived        uint64
	Timeouts             uint64
	Errors               uint64
}

type statCounters struct {
	packetsSent          uint64
	packetsReceived      uint64
	packetsRetransmitted uint64
	packetsInvalid       uint64
	bytesSent            uint64
	bytesReceived        uint64
	timeouts             uint64
	errors               uint64
}

func (s *statCounters) snapshot() Stats {
	return Stats{
		PacketsSent:          atomic.LoadUint64(&s.packetsSent),
		PacketsReceived:      atomic.LoadUint64(&s.packetsReceived),
		PacketsRetransmitted: atomic.LoadUint64(&s.packetsRetransmitted),
		PacketsInvalid:       atomic.LoadUint64(&s.packetsInvalid),
		BytesSent:            atomic.LoadUint64(&s.bytesSent),
		BytesReceived:        atomic.LoadUint64(&s.bytesReceived),
		Timeouts:             atomic.LoadUint64(&s.timeouts),
		Errors:               atomic.LoadUint64(&s.errors),
	}
}

// Header returns the CSV column names for ToRecord, mirroring
// kcp.DefaultSnmp.Header() in the teacher's std.SnmpLogger.
func (Stats) Header() []string {
	return []string{
		"PacketsSent", "PacketsReceived", "PacketsRetransmitted", "PacketsInvalid",
		"BytesSent", "BytesReceived", "Timeouts", "Errors",
	}
}

// ToRecord renders the snapshot as a CSV row in the same order as Header.
func (s Stats) ToRecord() []string {
	return []string{
		fmt.Sprint(s.PacketsSent), fmt.Sprint(s.PacketsReceived),
		fmt.Sprint(s.PacketsRetransmitted), fmt.Sprint(s.PacketsInvalid),
		fmt.Sprint(s.BytesSent), fmt.Sprint(s.BytesReceived),
		fmt.Sprint(s.Timeouts), fmt.Sprint(s.Errors),
	}
}
