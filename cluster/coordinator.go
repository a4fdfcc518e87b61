package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/paddock/racecore/cmn/nlog"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/crossing"
	"github.com/paddock/racecore/eventbus"
	"github.com/paddock/racecore/race"
	"github.com/paddock/racecore/store"
	"github.com/paddock/racecore/timesrc"
)

// ackWait is how long a reliable send waits for its matching ack before
// backoff.Retry tries again.
const ackWait = 2 * time.Second

// filteredEvents never cross the wire (spec §4.H): STARTUP is
// per-process, not a race fact, and a manual LED override is local
// hardware state a secondary shouldn't inherit.
var filteredEvents = map[string]bool{
	eventbus.Startup:      true,
	eventbus.LEDSetManual: true,
}

// secondaryConn is everything the primary tracks about one joined
// secondary: its link, role, and an ordered outbound queue each entry of
// which blocks cluster shutdown until acked or abandoned.
type secondaryConn struct {
	id   string
	link Link
	mode Role

	mu      sync.Mutex
	pending map[string]chan struct{} // messageType+identifyingField -> ack signal
}

func newSecondaryConn(id string, link Link, mode Role) *secondaryConn {
	return &secondaryConn{id: id, link: link, mode: mode, pending: map[string]chan struct{}{}}
}

func ackKey(messageType, identifying string) string { return messageType + "|" + identifying }

// Coordinator is the Cluster Coordinator (component H). On a primary it
// fans event-bus publications out to every joined secondary with
// acknowledged, retried delivery; on a secondary it applies or forwards
// what the primary sends according to its Role.
type Coordinator struct {
	role      Role
	race      *core.RaceState
	processor *crossing.Processor
	controller *race.Controller
	store     *store.Store
	bus       *eventbus.Bus
	clock     *timesrc.Source

	mu         sync.Mutex
	secondaries map[string]*secondaryConn

	primary Link // set on a secondary: the link back to its primary
}

func New(role Role, raceState *core.RaceState, processor *crossing.Processor, controller *race.Controller, st *store.Store, bus *eventbus.Bus, clock *timesrc.Source) *Coordinator {
	c := &Coordinator{
		role:        role,
		race:        raceState,
		processor:   processor,
		controller:  controller,
		store:       st,
		bus:         bus,
		clock:       clock,
		secondaries: map[string]*secondaryConn{},
	}
	if role == RolePrimary {
		bus.AddFanout(c)
	}
	bus.Subscribe(eventbus.TimeOffsetChange, func(payload any) {
		c.Forward(eventbus.TimeOffsetChange, payload)
	})
	if role == RoleSplitSecondary {
		processor.SetSecondaryMode(crossing.SecondarySplit)
	} else if role == RoleMirrorSecondary {
		processor.SetSecondaryMode(crossing.SecondaryMirror)
	}
	return c
}

// Forward implements eventbus.ClusterFanout. Only a primary forwards;
// secondaries receive events over their own link instead of re-publishing
// upstream (one-way, per spec §4.H, except passRecord/acks).
func (c *Coordinator) Forward(event string, payload any) {
	if c.role != RolePrimary || filteredEvents[event] {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		nlog.Infoln("cluster: drop unforwardable event, event =", event, "err =", err)
		return
	}
	trigger := ClusterEventTrigger{Event: event, Payload: body}
	triggerBody, err := json.Marshal(&trigger)
	if err != nil {
		return
	}
	env := Envelope{Type: MsgClusterEventTrigger, Payload: triggerBody}

	c.mu.Lock()
	conns := make([]*secondaryConn, 0, len(c.secondaries))
	for _, sc := range c.secondaries {
		conns = append(conns, sc)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, sc := range conns {
		sc := sc
		g.Go(func() error {
			return c.sendReliable(sc, env, MsgClusterEventTrigger, event)
		})
	}
	if err := g.Wait(); err != nil {
		nlog.Infoln("cluster: forward had failures, event =", event, "err =", err)
	}
}

// sendReliable places env on sc's queue and retries with backoff until a
// matching clusterMessageAck arrives or the context gives up (spec §4.H:
// "the queue retries with backoff until the ack matches").
func (c *Coordinator) sendReliable(sc *secondaryConn, env Envelope, messageType, identifying string) error {
	key := ackKey(messageType, identifying)
	ackCh := make(chan struct{}, 1)
	sc.mu.Lock()
	sc.pending[key] = ackCh
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		delete(sc.pending, key)
		sc.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	return backoff.Retry(func() error {
		if err := sc.link.Send(env); err != nil {
			return err
		}
		select {
		case <-ackCh:
			return nil
		case <-time.After(ackWait):
			return fmt.Errorf("cluster: secondary %s did not ack %s within %s", sc.id, messageType, ackWait)
		}
	}, bo)
}

// handleAck resolves the pending sendReliable call the ack corresponds
// to, if any is still outstanding.
func (sc *secondaryConn) handleAck(ack ClusterMessageAck) {
	key := ackKey(ack.MessageType, ack.IdentifyingField)
	sc.mu.Lock()
	ch, ok := sc.pending[key]
	sc.mu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Join handles an incoming secondary's joinCluster request on the
// primary side: for a SplitSecondary that already has SavedRaces of its
// own, it snapshots the DB before clearing race data, per spec §4.H's
// "on first cluster-join" rule, then registers the link and answers with
// joinClusterResponse.
func (c *Coordinator) Join(id string, link Link, req JoinCluster, dataDir string) error {
	if req.Mode == RoleSplitSecondary {
		races, err := c.store.ListSavedRaces(store.Query{})
		if err != nil {
			return fmt.Errorf("cluster: list saved races for join snapshot: %w", err)
		}
		if len(races) > 0 {
			if _, err := c.store.Backup(dataDir); err != nil {
				return fmt.Errorf("cluster: snapshot before join: %w", err)
			}
			if err := c.store.Reset(); err != nil {
				return fmt.Errorf("cluster: clear race data for join: %w", err)
			}
			if c.controller != nil {
				c.controller.Discard()
			}
		}
	}

	c.mu.Lock()
	c.secondaries[id] = newSecondaryConn(id, link, req.Mode)
	c.mu.Unlock()

	resp := JoinClusterResponse{
		ServerInfo:     ServerInfo{Name: "racecored", Version: "1"},
		ProgStartEpoch: c.clock.ToEpochMillis(0),
		ProgStartTime:  0,
	}
	body, err := json.Marshal(&resp)
	if err != nil {
		return err
	}
	return link.Send(Envelope{Type: MsgJoinClusterResponse, Payload: body})
}

// Drop unregisters a secondary (its connection closed or timed out).
func (c *Coordinator) Drop(id string) {
	c.mu.Lock()
	delete(c.secondaries, id)
	c.mu.Unlock()
}

// ServePrimarySide reads env from a joined secondary's link until it
// closes, dispatching acks, passRecord advisories, and liveness pings.
// Run this in its own goroutine per secondary.
func (c *Coordinator) ServePrimarySide(id string, link Link) {
	for {
		env, err := link.Recv()
		if err != nil {
			nlog.Infoln("cluster: secondary link closed, id =", id, "err =", err)
			c.Drop(id)
			return
		}
		c.dispatchFromSecondary(id, env)
	}
}

func (c *Coordinator) dispatchFromSecondary(id string, env Envelope) {
	c.mu.Lock()
	sc := c.secondaries[id]
	c.mu.Unlock()

	switch env.Type {
	case MsgClusterMessageAck:
		var ack ClusterMessageAck
		if err := json.Unmarshal(env.Payload, &ack); err != nil || sc == nil {
			return
		}
		sc.handleAck(ack)
	case MsgPassRecord:
		var pr PassRecord
		if err := json.Unmarshal(env.Payload, &pr); err != nil {
			return
		}
		// Advisory only: a split secondary's own lap is already scored
		// locally against its own race; the primary just observes it.
		nlog.Infoln("cluster: advisory pass from secondary, id =", id, "node =", pr.Node)
	case MsgCheckSecondaryQuery:
		resp := CheckSecondaryResponse{TimestampMs: c.clock.ToEpochMillis(c.clock.Now())}
		body, _ := json.Marshal(&resp)
		if sc != nil {
			_ = sc.link.Send(Envelope{Type: MsgCheckSecondaryResponse, Payload: body})
		}
	}
}

// ConnectAsSecondary dials the primary over link, performs the join
// handshake, and runs the receive loop until the link closes.
func (c *Coordinator) ConnectAsSecondary(link Link) error {
	c.primary = link
	req := JoinCluster{Mode: c.role}
	body, err := json.Marshal(&req)
	if err != nil {
		return err
	}
	if err := link.Send(Envelope{Type: MsgJoinCluster, Payload: body}); err != nil {
		return err
	}
	env, err := link.Recv()
	if err != nil {
		return fmt.Errorf("cluster: join handshake: %w", err)
	}
	if env.Type != MsgJoinClusterResponse {
		return fmt.Errorf("cluster: unexpected join response type %q", env.Type)
	}
	c.bus.Publish(eventbus.ClusterJoin, c.role)

	for {
		env, err := link.Recv()
		if err != nil {
			return err
		}
		c.handleFromPrimary(env, link)
	}
}

func (c *Coordinator) handleFromPrimary(env Envelope, link Link) {
	switch env.Type {
	case MsgCheckSecondaryQuery:
		resp := CheckSecondaryResponse{TimestampMs: c.clock.ToEpochMillis(c.clock.Now())}
		body, _ := json.Marshal(&resp)
		_ = link.Send(Envelope{Type: MsgCheckSecondaryResponse, Payload: body})
	case MsgClusterEventTrigger:
		var trigger ClusterEventTrigger
		if err := json.Unmarshal(env.Payload, &trigger); err != nil {
			return
		}
		c.applyTrigger(trigger)
		ack := ClusterMessageAck{MessageType: MsgClusterEventTrigger, IdentifyingField: trigger.Event}
		body, _ := json.Marshal(&ack)
		_ = link.Send(Envelope{Type: MsgClusterMessageAck, Payload: body})
	}
}

// applyTrigger mirrors race-status side effects locally when acting as a
// MirrorSecondary; a SplitSecondary ignores upstream race-status events
// since it runs its own independent race (spec §4.H). Mirror secondaries
// must discard any SavedRace reference in the payload before re-applying
// it locally, so only the status-carrying events below are handled.
func (c *Coordinator) applyTrigger(trigger ClusterEventTrigger) {
	if c.role != RoleMirrorSecondary {
		return
	}
	var status core.RaceStatus
	switch trigger.Event {
	case eventbus.RaceStage:
		status = core.RaceStaging
	case eventbus.RaceStart:
		status = core.RaceRacing
	case eventbus.RaceStop, eventbus.RaceFinish:
		status = core.RaceDone
	case eventbus.LapsClear:
		status = core.RaceReady
	default:
		return
	}
	c.race.Do(func(cur *core.CurrentRace) {
		cur.RaceStatus = status
	})
}
