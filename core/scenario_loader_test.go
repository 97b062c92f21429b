// core/scenario_loader_test.go
package core

import (
	"fmt"
	"strings"
	"testing"

	"github.com/signalsfoundry/lora-analytics/model"
)

// recordingTopology captures what the loader writes.
type recordingTopology struct {
	nodes    []*model.Node
	profiles []*RadioProfile
	failAdd  bool
}

func (r *recordingTopology) AddNode(n *model.Node) error {
	if r.failAdd {
		return fmt.Errorf("node %d already exists", n.ID)
	}
	r.nodes = append(r.nodes, n)
	return nil
}

func (r *recordingTopology) AddProfile(p *RadioProfile) error {
	r.profiles = append(r.profiles, p)
	return nil
}

func TestLoadScenario_PopulatesTopology(t *testing.T) {
	jsonData := `
{
  "version": 1,
  "name": "two-gateway-urban",
  "params": {
    "path_loss_exponent": 2.9,
    "shadowing_sigma_db": 8.0,
    "seed": 42
  },
  "profiles": [
    {
      "id": "ed-sf10",
      "name": "SF10 sensor",
      "spreading_factor": 10,
      "payload_bytes": 20
    }
  ],
  "nodes": [
    { "id": 1, "name": "ed-001", "role": "end_device", "dev_addr": 5,
      "profile_id": "ed-sf10", "position": { "x": 0, "y": 0, "z": 1 } },
    { "id": 2, "name": "ed-002", "role": "ed", "dev_addr": 6,
      "profile_id": "ed-sf10", "position": { "x": 300, "y": 400, "z": 1 } },
    { "id": 100, "name": "gw-001", "role": "gateway",
      "position": { "x": 0, "y": 0, "z": 10 } }
  ],
  "duty_cycle_bands": [
    { "start_hz": 868000000, "end_hz": 868600000, "duty_fraction": 0.01 }
  ]
}
`
	topo := &recordingTopology{}
	reg := NewDutyCycleRegistry()

	scenario, err := LoadScenario(topo, reg, strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}
	if scenario.Name != "two-gateway-urban" {
		t.Errorf("Name = %q, want two-gateway-urban", scenario.Name)
	}

	// Params: overridden fields take the file value, the rest keep defaults.
	if scenario.Params.PathLossExponent != 2.9 {
		t.Errorf("PathLossExponent = %v, want 2.9", scenario.Params.PathLossExponent)
	}
	if scenario.Params.ShadowingSigmaDb != 8.0 {
		t.Errorf("ShadowingSigmaDb = %v, want 8.0", scenario.Params.ShadowingSigmaDb)
	}
	if scenario.Params.Seed != 42 {
		t.Errorf("Seed = %d, want 42", scenario.Params.Seed)
	}
	if scenario.Params.RefLossDb != 7.7 {
		t.Errorf("RefLossDb = %v, want default 7.7", scenario.Params.RefLossDb)
	}
	if scenario.Params.BandwidthHz != 125_000 {
		t.Errorf("BandwidthHz = %v, want default 125000", scenario.Params.BandwidthHz)
	}

	// Profiles: normalized before registration.
	if len(topo.profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(topo.profiles))
	}
	profile := topo.profiles[0]
	if profile.ID != "ed-sf10" || profile.SpreadingFactor != 10 {
		t.Errorf("profile = %+v, want ed-sf10 at SF10", profile)
	}
	if profile.TxPowerDbm != DefaultTxPowerDbm {
		t.Errorf("TxPowerDbm = %v, want normalized default %v", profile.TxPowerDbm, DefaultTxPowerDbm)
	}
	if profile.PayloadBytes != 20 {
		t.Errorf("PayloadBytes = %d, want 20", profile.PayloadBytes)
	}
	if !profile.ExplicitHeader || !profile.CrcOn {
		t.Errorf("header/CRC defaults = %v/%v, want true/true", profile.ExplicitHeader, profile.CrcOn)
	}

	// Nodes and roles.
	if len(topo.nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(topo.nodes))
	}
	if topo.nodes[1].Role != model.RoleEndDevice {
		t.Errorf(`role "ed" = %v, want end device`, topo.nodes[1].Role)
	}
	if topo.nodes[2].Role != model.RoleGateway {
		t.Errorf("gw-001 role = %v, want gateway", topo.nodes[2].Role)
	}
	if got := topo.nodes[0].Position; got.Z != 1 {
		t.Errorf("ed-001 position = %+v, want z=1", got)
	}
	if len(scenario.GatewayIDs) != 1 || scenario.GatewayIDs[0] != 100 {
		t.Errorf("GatewayIDs = %v, want [100]", scenario.GatewayIDs)
	}

	// Bands from the file, not the EU868 defaults.
	if scenario.BandCount != 1 {
		t.Errorf("BandCount = %d, want 1", scenario.BandCount)
	}
	if _, err := reg.GetDutyFraction(868.3e6); err != nil {
		t.Errorf("loaded band should answer 868.3 MHz: %v", err)
	}
}

func TestLoadScenario_DefaultsToEU868Bands(t *testing.T) {
	jsonData := `{ "version": 1, "name": "bare", "nodes": [] }`
	reg := NewDutyCycleRegistry()

	scenario, err := LoadScenario(&recordingTopology{}, reg, strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}
	if scenario.BandCount == 0 {
		t.Fatal("expected EU868 default bands when the file lists none")
	}
	if !reg.HasBand(868.1e6) {
		t.Error("EU868 default bands should cover 868.1 MHz")
	}
}

func TestLoadScenario_RejectsUnsupportedVersion(t *testing.T) {
	for _, jsonData := range []string{
		`{ "name": "no-version" }`,
		`{ "version": 2, "name": "future" }`,
	} {
		_, err := LoadScenario(&recordingTopology{}, NewDutyCycleRegistry(), strings.NewReader(jsonData))
		if err == nil {
			t.Errorf("expected version error for %s", jsonData)
		}
	}
}

func TestLoadScenario_MalformedJSON(t *testing.T) {
	_, err := LoadScenario(&recordingTopology{}, NewDutyCycleRegistry(), strings.NewReader(`{ "version": 1,`))
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLoadScenario_RejectsBadEntries(t *testing.T) {
	tests := []struct {
		name     string
		jsonData string
	}{
		{"zero node id", `{ "version": 1, "nodes": [ { "id": 0, "name": "bad" } ] }`},
		{"empty profile id", `{ "version": 1, "profiles": [ { "spreading_factor": 7 } ] }`},
		{"empty band", `{ "version": 1, "duty_cycle_bands": [ { "start_hz": 868e6, "end_hz": 868e6, "duty_fraction": 0.01 } ] }`},
	}
	for _, tt := range tests {
		_, err := LoadScenario(&recordingTopology{}, NewDutyCycleRegistry(), strings.NewReader(tt.jsonData))
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestLoadScenario_PropagatesStoreErrors(t *testing.T) {
	jsonData := `{ "version": 1, "nodes": [ { "id": 7, "name": "dup" } ] }`
	_, err := LoadScenario(&recordingTopology{failAdd: true}, NewDutyCycleRegistry(), strings.NewReader(jsonData))
	if err == nil {
		t.Fatal("expected store error to propagate")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("error = %v, want store failure detail", err)
	}
}

func TestLoadScenario_NilArguments(t *testing.T) {
	if _, err := LoadScenario(nil, NewDutyCycleRegistry(), strings.NewReader(`{}`)); err == nil {
		t.Error("expected error for nil topology writer")
	}
	if _, err := LoadScenario(&recordingTopology{}, nil, strings.NewReader(`{}`)); err == nil {
		t.Error("expected error for nil registry")
	}
}
