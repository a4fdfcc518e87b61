package clientfanout

import "time"

// heartbeatInterval matches the teacher's stats.runner logging ticker
// cadence (stats/common.go's dfltStatsLogInterval-style period), reused
// here per SPEC_FULL.md's supplement of the original's periodic
// heartbeat{nodes[]} push that spec.md names but never assigns a
// producer to.
const heartbeatInterval = 2 * time.Second

type nodeHeartbeat struct {
	Index        int     `json:"index"`
	Frequency    int64   `json:"frequency"`
	CurrentRSSI  int     `json:"current_rssi"`
	CrossingFlag bool    `json:"crossing_flag"`
	EnterAtLevel int     `json:"enter_at_level"`
	ExitAtLevel  int     `json:"exit_at_level"`
}

type heartbeatPayload struct {
	Nodes []nodeHeartbeat `json:"nodes"`
}

// runHeartbeat periodically pushes every node's live state, independent
// of whether anything changed, so a browser client can detect a stalled
// connection (the original's behavior, spec.md §6 names the push but not
// its producer).
func (h *Hub) runHeartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.broadcast(Envelope{Type: "heartbeat", Payload: h.heartbeatBody()})
		case <-h.stopHeartbeat:
			return
		}
	}
}

func (h *Hub) heartbeatBody() []byte {
	if h.adapter == nil {
		return nil
	}
	nodes := make([]nodeHeartbeat, 0, h.adapter.NodeCount())
	for i := 0; i < h.adapter.NodeCount(); i++ {
		st, ok := h.adapter.State(i)
		if !ok {
			continue
		}
		nodes = append(nodes, nodeHeartbeat{
			Index:        st.Index,
			Frequency:    st.Frequency,
			CurrentRSSI:  st.CurrentRSSI,
			CrossingFlag: st.CrossingFlag,
			EnterAtLevel: st.EnterAtLevel,
			ExitAtLevel:  st.ExitAtLevel,
		})
	}
	body, err := json.Marshal(heartbeatPayload{Nodes: nodes})
	if err != nil {
		return nil
	}
	return body
}
