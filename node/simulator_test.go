package node

import (
	"sync"
	"testing"
	"time"

	"github.com/paddock/racecore/core"
)

func TestFeedCrossingProducesOneOrderedPass(t *testing.T) {
	sim := NewSimulator(1, []int64{5800})
	defer sim.Close()

	var mu sync.Mutex
	var events []string
	done := make(chan struct{})

	sim.OnCrossingChange(func(index int) {
		mu.Lock()
		events = append(events, "cross")
		mu.Unlock()
	})
	sim.OnPassRecord(func(index int, tsAbs float64, source core.LapSource) {
		mu.Lock()
		events = append(events, "pass")
		mu.Unlock()
		close(done)
	})

	if err := sim.Feed(0, 50, 1.0, core.SourceRF); err != nil {
		t.Fatalf("feed below enter: %v", err)
	}
	if err := sim.Feed(0, 95, 1.1, core.SourceRF); err != nil { // enter
		t.Fatalf("feed enter: %v", err)
	}
	if err := sim.Feed(0, 40, 1.2, core.SourceRF); err != nil { // exit -> pass
		t.Fatalf("feed exit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pass callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 || events[0] != "cross" || events[1] != "cross" || events[2] != "pass" {
		t.Fatalf("expected [cross cross pass] in order, got %v", events)
	}
}

func TestFeedUnknownNodeIndexErrors(t *testing.T) {
	sim := NewSimulator(1, nil)
	defer sim.Close()
	if err := sim.Feed(5, 90, 0, core.SourceRF); err == nil {
		t.Fatal("expected error feeding an out-of-range node index")
	}
}

func TestStartCaptureEnterAtLevelReportsCurrentRSSI(t *testing.T) {
	sim := NewSimulator(1, nil)
	defer sim.Close()

	captured := make(chan int, 1)
	sim.OnNewEnterOrExitAt(func(index int, isEnter bool, level int) {
		if !isEnter {
			t.Errorf("expected isEnter=true")
		}
		captured <- level
	})

	if err := sim.Feed(0, 77, 0, core.SourceRF); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if err := sim.StartCaptureEnterAtLevel(0); err != nil {
		t.Fatalf("capture: %v", err)
	}

	select {
	case lvl := <-captured:
		if lvl != 77 {
			t.Fatalf("expected captured level 77, got %d", lvl)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for capture callback")
	}

	st, ok := sim.State(0)
	if !ok || st.EnterAtLevel != 77 {
		t.Fatalf("expected EnterAtLevel=77 after capture, got %+v ok=%v", st, ok)
	}
}

func TestSetFrequencyAndStateRoundTrip(t *testing.T) {
	sim := NewSimulator(2, []int64{5658, 5695})
	defer sim.Close()

	if err := sim.SetFrequency(1, 5800); err != nil {
		t.Fatalf("set frequency: %v", err)
	}
	st, ok := sim.State(1)
	if !ok || st.Frequency != 5800 {
		t.Fatalf("expected updated frequency, got %+v ok=%v", st, ok)
	}

	st0, ok := sim.State(0)
	if !ok || st0.Frequency != 5658 {
		t.Fatalf("expected node 0 unaffected, got %+v", st0)
	}
}
