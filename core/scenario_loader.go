// core/scenario_loader.go
package core

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/signalsfoundry/lora-analytics/model"
)

// Scenario is a small summary of what was loaded from JSON, mainly
// useful for logging from main().
type Scenario struct {
	Name       string
	Params     model.ScenarioParams
	NodeIDs    []uint32
	GatewayIDs []uint32
	ProfileIDs []string
	BandCount  int
}

// TopologyWriter is the slice of the topology store the loader needs.
type TopologyWriter interface {
	AddNode(n *model.Node) error
	AddProfile(p *RadioProfile) error
}

// internal JSON shapes, kept unexported so the schema can evolve freely.
type scenarioJSON struct {
	Version  int                `json:"version"`
	Name     string             `json:"name"`
	Params   json.RawMessage    `json:"params"`
	Profiles []radioProfileJSON `json:"profiles"`
	Nodes    []nodeJSON         `json:"nodes"`
	Bands    []dutyBandJSON     `json:"duty_cycle_bands"`
}

type radioProfileJSON struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	SpreadingFactor int     `json:"spreading_factor"`
	TxPowerDbm      float64 `json:"tx_power_dbm"`
	FrequencyHz     float64 `json:"frequency_hz"`
	BandwidthHz     float64 `json:"bandwidth_hz"`
	PayloadBytes    int     `json:"payload_bytes"`
	ExplicitHeader  *bool   `json:"explicit_header"` // optional; defaults to true
	CrcOn           *bool   `json:"crc_on"`          // optional; defaults to true
	PacketIntervalS int     `json:"packet_interval_s"`
}

type nodeJSON struct {
	ID        uint32       `json:"id"`
	Name      string       `json:"name"`
	Role      string       `json:"role"` // "end_device" | "gateway"
	DevAddr   uint32       `json:"dev_addr"`
	ProfileID string       `json:"profile_id"`
	Position  positionJSON `json:"position"`
}

type positionJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type dutyBandJSON struct {
	StartHz      float64 `json:"start_hz"`
	EndHz        float64 `json:"end_hz"`
	DutyFraction float64 `json:"duty_fraction"`
}

// supportedScenarioVersion is the only schema version this loader
// accepts. Version 0 (field absent) is rejected so stale files fail
// loudly instead of half-loading.
const supportedScenarioVersion = 1

// LoadScenario reads a JSON scenario from r, populates the topology
// store with profiles and nodes and the registry with duty-cycle bands,
// and returns the run parameters plus a summary of what was loaded.
//
// Params fields absent from the file keep their defaults. A file with no
// duty_cycle_bands section gets the standard EU868 bands, since every
// scenario needs some band to answer duty lookups.
func LoadScenario(topo TopologyWriter, reg *DutyCycleRegistry, r io.Reader) (*Scenario, error) {
	if topo == nil {
		return nil, fmt.Errorf("LoadScenario: topology writer is nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("LoadScenario: duty-cycle registry is nil")
	}

	var payload scenarioJSON
	dec := json.NewDecoder(r)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}
	if payload.Version != supportedScenarioVersion {
		return nil, fmt.Errorf("LoadScenario: unsupported scenario version %d (want %d)",
			payload.Version, supportedScenarioVersion)
	}

	params := model.DefaultScenarioParams()
	if len(payload.Params) > 0 {
		if err := json.Unmarshal(payload.Params, &params); err != nil {
			return nil, fmt.Errorf("LoadScenario: params decode failed: %w", err)
		}
	}

	result := &Scenario{
		Name:       payload.Name,
		Params:     params,
		NodeIDs:    make([]uint32, 0, len(payload.Nodes)),
		ProfileIDs: make([]string, 0, len(payload.Profiles)),
	}

	// 1) Profiles
	for _, jsP := range payload.Profiles {
		profile := &RadioProfile{
			ID:              jsP.ID,
			Name:            jsP.Name,
			SpreadingFactor: jsP.SpreadingFactor,
			TxPowerDbm:      jsP.TxPowerDbm,
			FrequencyHz:     jsP.FrequencyHz,
			BandwidthHz:     jsP.BandwidthHz,
			PayloadBytes:    jsP.PayloadBytes,
			ExplicitHeader:  boolOrDefault(jsP.ExplicitHeader, true),
			CrcOn:           boolOrDefault(jsP.CrcOn, true),
			PacketIntervalS: jsP.PacketIntervalS,
		}
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
		profile.Normalize()
		if err := topo.AddProfile(profile); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
		result.ProfileIDs = append(result.ProfileIDs, profile.ID)
	}

	// 2) Nodes
	for _, jsN := range payload.Nodes {
		if jsN.ID == 0 {
			return nil, fmt.Errorf("LoadScenario: node with zero id")
		}
		node := &model.Node{
			ID:        jsN.ID,
			Name:      jsN.Name,
			Role:      roleFromString(jsN.Role),
			DevAddr:   jsN.DevAddr,
			ProfileID: jsN.ProfileID,
			Position:  model.Position{X: jsN.Position.X, Y: jsN.Position.Y, Z: jsN.Position.Z},
		}
		if err := topo.AddNode(node); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
		result.NodeIDs = append(result.NodeIDs, node.ID)
		if node.Role == model.RoleGateway {
			result.GatewayIDs = append(result.GatewayIDs, node.ID)
		}
	}

	// 3) Duty-cycle bands
	if len(payload.Bands) == 0 {
		reg.RegisterEU868Defaults()
	}
	for _, jsB := range payload.Bands {
		if jsB.EndHz <= jsB.StartHz {
			return nil, fmt.Errorf("LoadScenario: band [%.0f,%.0f) Hz is empty", jsB.StartHz, jsB.EndHz)
		}
		reg.Register(jsB.StartHz, jsB.EndHz, jsB.DutyFraction)
	}
	result.BandCount = len(reg.Bands())

	return result, nil
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// roleFromString maps the JSON "role" string to a node role. Kept
// tolerant: unknown or empty values default to an end device, which is
// what most scenario files contain.
func roleFromString(s string) model.NodeRole {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gateway", "gw":
		return model.RoleGateway
	case "end_device", "end-device", "device", "ed":
		return model.RoleEndDevice
	default:
		return model.RoleEndDevice
	}
}
