package clientfanout

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/crossing"
	"github.com/paddock/racecore/eventbus"
	"github.com/paddock/racecore/node"
	"github.com/paddock/racecore/race"
	"github.com/paddock/racecore/resultscache"
	"github.com/paddock/racecore/store"
	"github.com/paddock/racecore/timesrc"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server, *store.Store, *eventbus.Bus) {
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

	h := New(st, cache, raceState, controller, sim, bus)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	srv := httptest.NewServer(mux)
	return h, srv, st, bus
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func TestConnectPushesFullSnapshot(t *testing.T) {
	_, srv, _, _ := newTestHub(t)
	defer srv.Close()
	conn := dialWS(t, srv)

	seen := map[string]bool{}
	want := map[string]bool{}
	for _, dt := range allDataTypes {
		want[string(dt)] = true
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		missing := false
		for k := range want {
			if !seen[k] {
				missing = true
				break
			}
		}
		if !missing {
			break
		}
		env := recvEnvelope(t, conn, 3*time.Second)
		seen[env.Type] = true
	}
	for _, dt := range allDataTypes {
		if !seen[string(dt)] {
			t.Fatalf("expected snapshot to include %q, got %v", dt, seen)
		}
	}
}

func TestPilotAddPushesDeltaToConnectedSession(t *testing.T) {
	_, srv, st, _ := newTestHub(t)
	defer srv.Close()
	conn := dialWS(t, srv)

	// Drain the initial snapshot.
	for i := 0; i < len(allDataTypes); i++ {
		recvEnvelope(t, conn, 2*time.Second)
	}

	if _, err := st.AddPilot(&core.Pilot{Name: "Bob"}); err != nil {
		t.Fatalf("add pilot: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := recvEnvelope(t, conn, 2*time.Second)
		if env.Type == string(dataPilots) {
			return
		}
	}
	t.Fatalf("expected a pilots delta push after PilotAdd")
}

func TestLoadDataAnswersOnlyRequester(t *testing.T) {
	_, srv, _, _ := newTestHub(t)
	defer srv.Close()
	connA := dialWS(t, srv)
	connB := dialWS(t, srv)

	for i := 0; i < len(allDataTypes); i++ {
		recvEnvelope(t, connA, 2*time.Second)
		recvEnvelope(t, connB, 2*time.Second)
	}

	req := loadDataRequest{Types: []string{string(dataServerInfo)}}
	body, _ := json.Marshal(req)
	env := Envelope{Type: msgLoadData, Payload: body}
	raw, _ := json.Marshal(&env)
	if err := connA.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := recvEnvelope(t, connA, 2*time.Second)
	if got.Type != string(dataServerInfo) {
		t.Fatalf("expected server_info reply on requester, got %q", got.Type)
	}

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Fatalf("expected the non-requesting session to receive nothing extra")
	}
}
