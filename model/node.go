package model

// NodeRole distinguishes transmitting end devices from receiving gateways.
type NodeRole int

const (
	RoleUnknown NodeRole = iota
	RoleEndDevice
	RoleGateway
)

func (r NodeRole) String() string {
	switch r {
	case RoleEndDevice:
		return "END_DEVICE"
	case RoleGateway:
		return "GATEWAY"
	default:
		return "UNKNOWN"
	}
}

// Position is a point in scenario-local metres.
type Position struct {
	X float64
	Y float64
	Z float64
}

// Node represents one radio in the scenario topology.
// Positions are fixed once the topology is loaded; mobile nodes are not
// modelled by the analytics core.
type Node struct {
	ID   uint32
	Name string
	Role NodeRole

	Position Position

	// DevAddr is the LoRaWAN device address. Only meaningful for end
	// devices; receptions are attributed back to the node through it.
	DevAddr uint32

	// ProfileID names the RadioProfile this node transmits with.
	// Consumers resolve it against the profile registry.
	ProfileID string
}
