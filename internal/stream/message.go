package stream

import (
	"github.com/goccy/go-json"
)

// Kind is the "type" discriminator of a server to observer message.
type Kind string

const (
	KindSnapshot  Kind = "snapshot"
	KindLiveStart Kind = "live_start"
	KindPoint     Kind = "point"
	KindLiveEnd   Kind = "live_end"
)

type EndReason string

const (
	ReasonEnded EndReason = "ended"
	ReasonStale EndReason = "stale"
)

// LocationPoint is a validated GPS fix. TS is the client capture time in
// epoch milliseconds.
type LocationPoint struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	TS       int64    `json:"ts"`
}

// LiveState is the cached per-subject flag read by pollers and snapshots.
type LiveState struct {
	Live      bool    `json:"live"`
	SessionID *string `json:"session_id"`
}

func liveState(sessionID string) LiveState {
	if sessionID == "" {
		return LiveState{}
	}
	id := sessionID
	return LiveState{Live: true, SessionID: &id}
}

// Stats accumulates over the points a session has streamed through this node.
type Stats struct {
	Points    int64   `json:"point_count"`
	DistanceM float64 `json:"total_distance_m"`
}

// Frame is an encoded message queued for one observer.
type Frame struct {
	Kind      Kind
	SessionID string
	Data      []byte
}

type snapshotMessage struct {
	Type Kind `json:"type"`
	LiveState
}

type liveStartMessage struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"session_id"`
}

type pointMessage struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"session_id"`
	LocationPoint
}

type liveEndMessage struct {
	Type      Kind      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    EndReason `json:"reason"`
}

func snapshotFrame(state LiveState) Frame {
	data, _ := json.Marshal(snapshotMessage{Type: KindSnapshot, LiveState: state})
	f := Frame{Kind: KindSnapshot, Data: data}
	if state.SessionID != nil {
		f.SessionID = *state.SessionID
	}
	return f
}

func liveStartFrame(sessionID string) Frame {
	data, _ := json.Marshal(liveStartMessage{Type: KindLiveStart, SessionID: sessionID})
	return Frame{Kind: KindLiveStart, SessionID: sessionID, Data: data}
}

func pointFrame(sessionID string, p LocationPoint) Frame {
	data, _ := json.Marshal(pointMessage{Type: KindPoint, SessionID: sessionID, LocationPoint: p})
	return Frame{Kind: KindPoint, SessionID: sessionID, Data: data}
}

func liveEndFrame(sessionID string, reason EndReason) Frame {
	data, _ := json.Marshal(liveEndMessage{Type: KindLiveEnd, SessionID: sessionID, Reason: reason})
	return Frame{Kind: KindLiveEnd, SessionID: sessionID, Data: data}
}
