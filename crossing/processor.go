// Package crossing implements the Crossing Processor (component F, spec
// §4.F): it turns raw node passes into lap records, enforcing the
// min-lap, grace, and late-lap rules, and runs the win algorithm after
// every recorded lap.
package crossing

import (
	"sync"

	"github.com/paddock/racecore/cmn/nlog"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
	"github.com/paddock/racecore/node"
	"github.com/paddock/racecore/resultscache"
	"github.com/paddock/racecore/store"
)

// SecondaryMode reflects the cluster role this process is playing (spec
// §4.H); it changes crossing-processor behavior without crossing
// importing cluster (avoiding an import cycle, since cluster forwards
// events that originate here).
type SecondaryMode int

const (
	// SecondaryNone is a standalone or primary node.
	SecondaryNone SecondaryMode = iota
	// SecondarySplit records its own races using a built-in format that
	// disables the min-lap filter and win evaluation (spec §4.H).
	SecondarySplit
	// SecondaryMirror never processes passes of its own.
	SecondaryMirror
)

type passEvent struct {
	node   int
	tsAbs  float64
	source core.LapSource
}

// nodeCrossingState is per-node bookkeeping the processor owns across
// passes within one race, distinct from the CurrentRace's per-lap
// records (spec §4.E lists these as node-adapter-observable fields, but
// they are crossing-pipeline state, not hardware state, so the
// processor tracks them itself rather than reaching into node.Adapter).
type nodeCrossingState struct {
	firstCrossSeen       bool
	underMinLapCount     int
	startThreshLowerFlag bool
	startThreshLowerTime float64
}

// Processor is the single-FIFO-goroutine crossing pipeline of spec §5:
// every incoming pass is queued and processed one at a time so the rest
// of the system never observes two passes' effects interleaved.
type Processor struct {
	race    *core.RaceState
	store   *store.Store
	cache   *resultscache.Cache
	bus     *eventbus.Bus
	adapter node.Adapter

	mode SecondaryMode

	mu     sync.Mutex
	nodes  map[int]*nodeCrossingState

	queue    chan passEvent
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Processor wired to adapter's pass callback and starts its
// FIFO worker goroutine.
func New(race *core.RaceState, st *store.Store, cache *resultscache.Cache, bus *eventbus.Bus, adapter node.Adapter) *Processor {
	p := &Processor{
		race:    race,
		store:   st,
		cache:   cache,
		bus:     bus,
		adapter: adapter,
		nodes:   map[int]*nodeCrossingState{},
		queue:   make(chan passEvent, 256),
		stopCh:  make(chan struct{}),
	}
	adapter.OnPassRecord(p.enqueue)
	go p.run()
	return p
}

// SetSecondaryMode configures the cluster role affecting min-lap/win
// evaluation (spec §4.H); call before staging a race.
func (p *Processor) SetSecondaryMode(mode SecondaryMode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
}

func (p *Processor) secondaryMode() SecondaryMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// ResetNodeState clears the processor's per-node bookkeeping; called by
// the race controller's stage step so a new race starts with a clean
// underMinLapCount/firstCrossFlag/startThreshLower state per node.
func (p *Processor) ResetNodeState() {
	p.mu.Lock()
	p.nodes = map[int]*nodeCrossingState{}
	p.mu.Unlock()
}

// ArmStartThreshLower marks node as running under a temporarily lowered
// start threshold until untilMonotonic (spec §4.G's arm step); the
// pipeline's step 4 clears the flag once a pass observes it has elapsed.
// Called from the race controller's arm goroutine, concurrently with the
// FIFO worker, so it goes through the same p.mu as every other access to
// per-node bookkeeping rather than handing out a raw pointer.
func (p *Processor) ArmStartThreshLower(index int, untilMonotonic float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns := p.nodeStateLocked(index)
	ns.startThreshLowerFlag = true
	ns.startThreshLowerTime = untilMonotonic
}

func (p *Processor) nodeStateLocked(index int) *nodeCrossingState {
	ns, ok := p.nodes[index]
	if !ok {
		ns = &nodeCrossingState{}
		p.nodes[index] = ns
	}
	return ns
}

// startThreshLowerDeadline reports whether index is currently under a
// lowered start threshold and, if so, the monotonic time it expires.
func (p *Processor) startThreshLowerDeadline(index int) (bool, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns := p.nodeStateLocked(index)
	return ns.startThreshLowerFlag, ns.startThreshLowerTime
}

func (p *Processor) clearStartThreshLower(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodeStateLocked(index).startThreshLowerFlag = false
}

func (p *Processor) markFirstCrossSeen(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodeStateLocked(index).firstCrossSeen = true
}

// noteUnderMinLap increments index's under-min-lap counter and returns
// the new total (spec §4.F step 6).
func (p *Processor) noteUnderMinLap(index int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns := p.nodeStateLocked(index)
	ns.underMinLapCount++
	return ns.underMinLapCount
}

func (p *Processor) enqueue(index int, tsAbs float64, source core.LapSource) {
	select {
	case p.queue <- passEvent{node: index, tsAbs: tsAbs, source: source}:
	case <-p.stopCh:
	}
}

func (p *Processor) run() {
	for {
		select {
		case <-p.stopCh:
			return
		case ev := <-p.queue:
			p.processPass(ev.node, ev.tsAbs, ev.source)
		}
	}
}

// Stop ends the FIFO worker; idempotent.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Processor) logDrop(node int, reason string) {
	nlog.Infoln("crossing: dropping pass, node =", node, "reason =", reason)
}
