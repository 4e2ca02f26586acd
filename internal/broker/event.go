// Package broker fans typed events out to the connections subscribed to an
// asset. Each asset is a topic with its own sequence counter; delivery is
// best effort through bounded per-connection outboxes.
package broker

import "time"

type Kind string

const (
	KindUserOnline        Kind = "user_online"
	KindUserOffline       Kind = "user_offline"
	KindContentSubscribed Kind = "content_subscribed"
	KindEditStarted       Kind = "edit_started"
	KindEditChange        Kind = "edit_change"
	KindEditEnded         Kind = "edit_ended"
	KindCommentAdded      Kind = "comment_added"
	KindCommentResolved   Kind = "comment_resolved"
	KindCursorMoved       Kind = "cursor_moved"
	KindSelectionChanged  Kind = "selection_changed"
	KindWorkflowCreated   Kind = "workflow_created"
	KindWorkflowUpdated   Kind = "workflow_updated"
	KindError             Kind = "error"
	KindAck               Kind = "ack"
)

// Event is the outbound frame. Seq is assigned by the broker per asset;
// direct replies (errors, acks) carry Seq 0 and no asset.
type Event struct {
	Kind      Kind      `json:"type"`
	AssetID   string    `json:"asset_id,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Identity  string    `json:"identity,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Body      any       `json:"body,omitempty"`
}
