package core

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/lora-analytics/model"
)

// mapResolver is a test DeviceResolver backed by a plain map.
type mapResolver map[uint32]uint32

func (m mapResolver) NodeByDevAddr(devAddr uint32) (uint32, bool) {
	id, ok := m[devAddr]
	return id, ok
}

func TestDeduplicationEngine_TwoGatewaysHearSameUplink(t *testing.T) {
	eng := NewDeduplicationEngine(mapResolver{5: 1})
	key := model.MakePacketKey(5, 10)

	out, err := eng.Observe(key, 100)
	if err != nil {
		t.Fatalf("first Observe returned error: %v", err)
	}
	if out != FirstHearing {
		t.Errorf("first Observe = %v, want FirstHearing", out)
	}

	out, err = eng.Observe(key, 101)
	if err != nil {
		t.Fatalf("second Observe returned error: %v", err)
	}
	if out != Duplicate {
		t.Errorf("second Observe = %v, want Duplicate", out)
	}

	if eng.TotalRaw() != 2 {
		t.Errorf("TotalRaw = %d, want 2", eng.TotalRaw())
	}
	if eng.TotalUnique() != 1 {
		t.Errorf("TotalUnique = %d, want 1", eng.TotalUnique())
	}
	if eng.TotalDuplicate() != 1 {
		t.Errorf("TotalDuplicate = %d, want 1", eng.TotalDuplicate())
	}
	if rate := RatePercent(float64(eng.TotalDuplicate()), float64(eng.TotalRaw())); rate != 50.0 {
		t.Errorf("deduplication rate = %v, want 50.0", rate)
	}
}

func TestDeduplicationEngine_OneFirstHearingPerKey(t *testing.T) {
	eng := NewDeduplicationEngine(mapResolver{1: 1, 2: 2, 3: 3})

	// Interleaved hearings with repeats across gateways.
	seq := []struct {
		devAddr, fcnt, gw uint32
	}{
		{1, 0, 10}, {2, 0, 10}, {1, 0, 11}, {3, 5, 11},
		{1, 1, 10}, {2, 0, 11}, {3, 5, 10}, {1, 0, 12},
	}

	firstHearings := 0
	for _, s := range seq {
		out, err := eng.Observe(model.MakePacketKey(s.devAddr, s.fcnt), s.gw)
		if err != nil {
			t.Fatalf("Observe(%d,%d) error: %v", s.devAddr, s.fcnt, err)
		}
		if out == FirstHearing {
			firstHearings++
		}
	}

	if firstHearings != eng.DistinctKeys() {
		t.Errorf("first hearings = %d, distinct keys = %d; must match", firstHearings, eng.DistinctKeys())
	}
	if eng.DistinctKeys() != 4 {
		t.Errorf("DistinctKeys = %d, want 4", eng.DistinctKeys())
	}
	if eng.TotalUnique()+eng.TotalDuplicate() != eng.TotalRaw() {
		t.Errorf("unique %d + duplicate %d != raw %d",
			eng.TotalUnique(), eng.TotalDuplicate(), eng.TotalRaw())
	}
}

func TestDeduplicationEngine_PerNodePerGatewayBreakdowns(t *testing.T) {
	eng := NewDeduplicationEngine(mapResolver{7: 1, 8: 2})

	// Node 1's uplink heard by both gateways, node 2's by one.
	mustObserve(t, eng, model.MakePacketKey(7, 0), 100)
	mustObserve(t, eng, model.MakePacketKey(7, 0), 101)
	mustObserve(t, eng, model.MakePacketKey(8, 0), 101)

	if got := eng.RawHearings(1); got != 2 {
		t.Errorf("RawHearings(node 1) = %d, want 2", got)
	}
	if got := eng.UniqueReceptions(1); got != 1 {
		t.Errorf("UniqueReceptions(node 1) = %d, want 1", got)
	}
	if got := eng.RawByGateway(101); got != 2 {
		t.Errorf("RawByGateway(101) = %d, want 2", got)
	}
	if got := eng.UniqueByGateway(100); got != 1 {
		t.Errorf("UniqueByGateway(100) = %d, want 1", got)
	}

	breakdown := eng.RawBreakdown(1)
	if breakdown[100] != 1 || breakdown[101] != 1 {
		t.Errorf("RawBreakdown(node 1) = %v, want one hearing per gateway", breakdown)
	}
}

func TestDeduplicationEngine_UnknownDeviceLeavesStateUntouched(t *testing.T) {
	eng := NewDeduplicationEngine(mapResolver{5: 1})

	_, err := eng.Observe(model.MakePacketKey(99, 0), 100)
	if err == nil {
		t.Fatal("expected error for unmapped device address")
	}
	if !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("error = %v, want ErrUnknownDevice", err)
	}

	if eng.TotalRaw() != 0 || eng.TotalUnique() != 0 || eng.DistinctKeys() != 0 {
		t.Errorf("failed Observe mutated state: raw=%d unique=%d keys=%d",
			eng.TotalRaw(), eng.TotalUnique(), eng.DistinctKeys())
	}

	// The same key must still be a FirstHearing once the mapping exists.
	eng2 := NewDeduplicationEngine(mapResolver{99: 4})
	out, err := eng2.Observe(model.MakePacketKey(99, 0), 100)
	if err != nil {
		t.Fatalf("Observe after mapping: %v", err)
	}
	if out != FirstHearing {
		t.Errorf("outcome = %v, want FirstHearing", out)
	}
}

func TestDeduplicationEngine_OwnerGateway(t *testing.T) {
	eng := NewDeduplicationEngine(mapResolver{5: 1})

	// Three distinct uplinks: gateway 20 hears all three first, gateway 10
	// arrives second every time.
	for fcnt := uint32(0); fcnt < 3; fcnt++ {
		mustObserve(t, eng, model.MakePacketKey(5, fcnt), 20)
		mustObserve(t, eng, model.MakePacketKey(5, fcnt), 10)
	}

	owner, ok := eng.OwnerGateway(1)
	if !ok {
		t.Fatal("OwnerGateway found nothing for node 1")
	}
	if owner != 20 {
		t.Errorf("owner = %d, want 20 (holds all first hearings)", owner)
	}
}

func TestDeduplicationEngine_OwnerGatewayTieBreaksToLowestID(t *testing.T) {
	eng := NewDeduplicationEngine(mapResolver{5: 1})

	// Gateways 30 and 11 each take one first hearing.
	mustObserve(t, eng, model.MakePacketKey(5, 0), 30)
	mustObserve(t, eng, model.MakePacketKey(5, 1), 11)

	owner, ok := eng.OwnerGateway(1)
	if !ok {
		t.Fatal("OwnerGateway found nothing")
	}
	if owner != 11 {
		t.Errorf("tie should break to lowest gateway ID: got %d, want 11", owner)
	}
}

func TestDeduplicationEngine_OwnerGatewayNoHearings(t *testing.T) {
	eng := NewDeduplicationEngine(mapResolver{5: 1})
	if _, ok := eng.OwnerGateway(1); ok {
		t.Error("OwnerGateway should report false for a node never heard")
	}
}

func TestDeduplicationEngine_ResetStartsFreshRun(t *testing.T) {
	eng := NewDeduplicationEngine(mapResolver{5: 1})
	key := model.MakePacketKey(5, 10)

	mustObserve(t, eng, key, 100)
	eng.Reset()

	if eng.TotalRaw() != 0 || eng.DistinctKeys() != 0 {
		t.Fatalf("Reset left state behind: raw=%d keys=%d", eng.TotalRaw(), eng.DistinctKeys())
	}

	out, err := eng.Observe(key, 100)
	if err != nil {
		t.Fatalf("Observe after Reset: %v", err)
	}
	if out != FirstHearing {
		t.Errorf("key seen before Reset should be FirstHearing again, got %v", out)
	}
}

func TestDeduplicationEngine_ObservedNodesSorted(t *testing.T) {
	eng := NewDeduplicationEngine(mapResolver{30: 3, 10: 1, 20: 2})
	mustObserve(t, eng, model.MakePacketKey(30, 0), 100)
	mustObserve(t, eng, model.MakePacketKey(10, 0), 100)
	mustObserve(t, eng, model.MakePacketKey(20, 0), 100)

	nodes := eng.ObservedNodes()
	want := []uint32{1, 2, 3}
	if len(nodes) != len(want) {
		t.Fatalf("ObservedNodes = %v, want %v", nodes, want)
	}
	for i := range want {
		if nodes[i] != want[i] {
			t.Fatalf("ObservedNodes = %v, want %v", nodes, want)
		}
	}
}

func mustObserve(t *testing.T, eng *DeduplicationEngine, key model.PacketKey, gw uint32) HearingOutcome {
	t.Helper()
	out, err := eng.Observe(key, gw)
	if err != nil {
		t.Fatalf("Observe(%v, gw %d): %v", key, gw, err)
	}
	return out
}
