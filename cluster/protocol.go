// Package cluster implements the Cluster Coordinator (component H, spec
// §4.H): the primary/secondary join protocol, one-way event forwarding
// with per-secondary acknowledged delivery, and the split/mirror
// secondary roles.
package cluster

import "github.com/paddock/racecore/core"

// Role is a node's position in the cluster (spec §4.H).
type Role int

const (
	// RolePrimary owns the live race and forwards events downstream.
	RolePrimary Role = iota
	// RoleSplitSecondary records its own races from its own RF passes,
	// advising the primary of laps but never adopting its race status.
	RoleSplitSecondary
	// RoleMirrorSecondary mirrors the primary's race status and LED
	// scheme; it forwards no laps upstream and records nothing locally.
	RoleMirrorSecondary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSplitSecondary:
		return "split"
	case RoleMirrorSecondary:
		return "mirror"
	default:
		return "unknown"
	}
}

// Message type tags carried in Envelope.Type (spec §4.H's protocol list).
const (
	MsgCheckSecondaryQuery    = "checkSecondaryQuery"
	MsgCheckSecondaryResponse = "checkSecondaryResponse"
	MsgJoinCluster            = "joinCluster"
	MsgJoinClusterResponse    = "joinClusterResponse"
	MsgClusterEventTrigger    = "clusterEventTrigger"
	MsgClusterMessageAck      = "clusterMessageAck"
	MsgPassRecord             = "passRecord"
)

// Envelope is one frame on the wire. Payload is carried pre-encoded so
// Link implementations never need to know the set of message types.
type Envelope struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

type CheckSecondaryQuery struct{}

type CheckSecondaryResponse struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

type JoinCluster struct {
	Mode Role `json:"mode"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type JoinClusterResponse struct {
	ServerInfo     ServerInfo `json:"server_info"`
	ProgStartEpoch int64      `json:"prog_start_epoch"`
	ProgStartTime  float64    `json:"prog_start_time"`
}

// ClusterEventTrigger carries one primary-originated event-bus
// publication downstream. Payload is the JSON encoding of the original
// event payload, re-decoded by the secondary against its own types.
type ClusterEventTrigger struct {
	Event   string `json:"event"`
	Payload []byte `json:"payload"`
}

// ClusterMessageAck acknowledges a prior message so the primary's
// per-secondary retry queue can retire it. IdentifyingField is the value
// that ties the ack back to the specific outstanding send (e.g. a lap's
// node+timestamp, or the event name for a trigger with no natural key).
type ClusterMessageAck struct {
	MessageType     string `json:"message_type"`
	IdentifyingField string `json:"identifying_field"`
}

// PassRecord is a split secondary's advisory report of a lap it recorded
// locally, forwarded upstream for the primary's cross-node visibility.
type PassRecord struct {
	Node         int           `json:"node"`
	LapTimeStamp float64       `json:"lap_time_stamp"`
	RSSI         int           `json:"rssi"`
	Source       core.LapSource `json:"source"`
}
