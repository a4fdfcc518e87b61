package cluster

import (
	"testing"
	"time"

	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/crossing"
	"github.com/paddock/racecore/eventbus"
	"github.com/paddock/racecore/node"
	"github.com/paddock/racecore/race"
	"github.com/paddock/racecore/resultscache"
	"github.com/paddock/racecore/store"
	"github.com/paddock/racecore/timesrc"
)

type side struct {
	bus       *eventbus.Bus
	st        *store.Store
	raceState *core.RaceState
	processor *crossing.Processor
	controller *race.Controller
	clock     *timesrc.Source
	coord     *Coordinator
}

func newSide(t *testing.T, role Role) *side {
	t.Helper()
	bus := eventbus.New()
	st, err := store.Open(":memory:", bus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cache := resultscache.New(st)
	sim := node.NewSimulator(2, []int64{5658, 5695})
	t.Cleanup(sim.Close)
	raceState := core.NewRaceState()
	processor := crossing.New(raceState, st, cache, bus, sim)
	t.Cleanup(processor.Stop)
	clock := timesrc.New(bus)
	controller := race.New(raceState, st, bus, sim, processor, clock)
	coord := New(role, raceState, processor, controller, st, bus, clock)
	return &side{bus: bus, st: st, raceState: raceState, processor: processor, controller: controller, clock: clock, coord: coord}
}

func TestJoinHandshakeRegistersSecondary(t *testing.T) {
	primary := newSide(t, RolePrimary)
	secondary := newSide(t, RoleMirrorSecondary)

	linkA, linkB := NewChanLinkPair()
	t.Cleanup(func() { linkA.Close(); linkB.Close() })

	joined := make(chan error, 1)
	go func() { joined <- secondary.coord.ConnectAsSecondary(linkB) }()

	env, err := linkA.Recv()
	if err != nil {
		t.Fatalf("recv join request: %v", err)
	}
	if env.Type != MsgJoinCluster {
		t.Fatalf("expected joinCluster, got %q", env.Type)
	}
	var req JoinCluster
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		t.Fatalf("unmarshal join request: %v", err)
	}
	if req.Mode != RoleMirrorSecondary {
		t.Fatalf("expected mirror mode, got %v", req.Mode)
	}

	if err := primary.coord.Join("sec-1", linkA, req, t.TempDir()); err != nil {
		t.Fatalf("join: %v", err)
	}
	go primary.coord.ServePrimarySide("sec-1", linkA)

	select {
	case err := <-joined:
		t.Fatalf("ConnectAsSecondary returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	primary.coord.mu.Lock()
	_, registered := primary.coord.secondaries["sec-1"]
	primary.coord.mu.Unlock()
	if !registered {
		t.Fatalf("expected secondary to be registered after Join")
	}
}

func TestForwardAppliesMirrorStatusAndAcks(t *testing.T) {
	primary := newSide(t, RolePrimary)
	secondary := newSide(t, RoleMirrorSecondary)

	linkA, linkB := NewChanLinkPair()
	t.Cleanup(func() { linkA.Close(); linkB.Close() })

	go secondary.coord.ConnectAsSecondary(linkB)

	env, err := linkA.Recv()
	if err != nil {
		t.Fatalf("recv join request: %v", err)
	}
	var req JoinCluster
	_ = json.Unmarshal(env.Payload, &req)
	if err := primary.coord.Join("sec-1", linkA, req, t.TempDir()); err != nil {
		t.Fatalf("join: %v", err)
	}
	go primary.coord.ServePrimarySide("sec-1", linkA)

	time.Sleep(20 * time.Millisecond) // let the secondary's receive loop start

	primary.bus.Publish(eventbus.RaceStage, "token-xyz")

	deadline := time.Now().Add(2 * time.Second)
	for {
		var status core.RaceStatus
		secondary.raceState.Do(func(cur *core.CurrentRace) { status = cur.RaceStatus })
		if status == core.RaceStaging {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for mirror secondary to adopt Staging status")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSplitSecondaryIgnoresRaceStatusTriggers(t *testing.T) {
	primary := newSide(t, RolePrimary)
	secondary := newSide(t, RoleSplitSecondary)

	linkA, linkB := NewChanLinkPair()
	t.Cleanup(func() { linkA.Close(); linkB.Close() })

	go secondary.coord.ConnectAsSecondary(linkB)

	env, err := linkA.Recv()
	if err != nil {
		t.Fatalf("recv join request: %v", err)
	}
	var req JoinCluster
	_ = json.Unmarshal(env.Payload, &req)
	if err := primary.coord.Join("sec-1", linkA, req, t.TempDir()); err != nil {
		t.Fatalf("join: %v", err)
	}
	go primary.coord.ServePrimarySide("sec-1", linkA)

	time.Sleep(20 * time.Millisecond)
	primary.bus.Publish(eventbus.RaceStage, "token-xyz")
	time.Sleep(200 * time.Millisecond)

	var status core.RaceStatus
	secondary.raceState.Do(func(cur *core.CurrentRace) { status = cur.RaceStatus })
	if status != core.RaceReady {
		t.Fatalf("expected a split secondary to ignore upstream race-status events, got %v", status)
	}
}
