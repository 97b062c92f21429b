package model

import "time"

// PacketKey identifies one logical uplink across every gateway that hears
// it: the device address in the high 32 bits, the frame counter in the low.
type PacketKey uint64

// MakePacketKey combines a device address and frame counter into a PacketKey.
func MakePacketKey(devAddr, fcnt uint32) PacketKey {
	return PacketKey(uint64(devAddr)<<32 | uint64(fcnt))
}

// DevAddr extracts the device address half of the key.
func (k PacketKey) DevAddr() uint32 {
	return uint32(k >> 32)
}

// FCnt extracts the frame counter half of the key.
func (k PacketKey) FCnt() uint32 {
	return uint32(k)
}

// TransmissionEvent describes one uplink transmission as reported by the
// host simulator. Read-only after creation.
type TransmissionEvent struct {
	NodeID          uint32
	Seq             uint32
	SpreadingFactor int
	TxPowerDbm      float64
	FrequencyHz     float64
	Timestamp       time.Time
}

// ReceptionRecord describes one gateway-level hearing of an uplink.
// FirstHearing is set by the deduplication engine when the record is the
// first hearing of its key anywhere in the network.
type ReceptionRecord struct {
	Key          PacketKey
	GatewayID    uint32
	RssiDbm      float64
	SnrDb        float64
	FirstHearing bool
	Timestamp    time.Time
}
