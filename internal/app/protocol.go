package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"montage/api/internal/broker"
	"montage/api/internal/comments"
	"montage/api/internal/domain"
	"montage/api/internal/editing"
	"montage/api/internal/presence"
	"montage/api/internal/store"
)

// Inbound message types accepted on the socket.
const (
	TypeUserJoin           = "user_join"
	TypeContentSubscribe   = "content_subscribe"
	TypeContentUnsubscribe = "content_unsubscribe"
	TypeEditStart          = "edit_start"
	TypeEditChange         = "edit_change"
	TypeEditEnd            = "edit_end"
	TypeCommentAdd         = "comment_add"
	TypeCommentResolve     = "comment_resolve"
	TypeCursorMove         = "cursor_move"
	TypeSelectionChange    = "selection_change"
	TypeHeartbeat          = "heartbeat"
)

// Inbound is a decoded client message. The set of implementations is closed
// to this package.
type Inbound interface {
	messageType() string
}

type UserJoin struct {
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type ContentSubscribe struct {
	AssetID string `json:"asset_id"`
}

type ContentUnsubscribe struct {
	AssetID string `json:"asset_id"`
}

type EditStart struct {
	AssetID  string   `json:"asset_id"`
	Sections []string `json:"sections"`
}

type EditChange struct {
	SessionID string          `json:"session_id"`
	SectionID string          `json:"section_id"`
	Delta     json.RawMessage `json:"delta"`
}

type EditEnd struct {
	SessionID string `json:"session_id"`
}

type CommentAdd struct {
	AssetID  string `json:"asset_id"`
	Text     string `json:"text"`
	Anchor   string `json:"anchor"`
	ParentID string `json:"parent_id"`
}

type CommentResolve struct {
	CommentID string `json:"comment_id"`
}

type CursorMove struct {
	AssetID  string          `json:"asset_id"`
	Position json.RawMessage `json:"position"`
}

type SelectionChange struct {
	AssetID   string          `json:"asset_id"`
	Selection json.RawMessage `json:"selection"`
}

type Heartbeat struct{}

func (UserJoin) messageType() string           { return TypeUserJoin }
func (ContentSubscribe) messageType() string   { return TypeContentSubscribe }
func (ContentUnsubscribe) messageType() string { return TypeContentUnsubscribe }
func (EditStart) messageType() string          { return TypeEditStart }
func (EditChange) messageType() string         { return TypeEditChange }
func (EditEnd) messageType() string            { return TypeEditEnd }
func (CommentAdd) messageType() string         { return TypeCommentAdd }
func (CommentResolve) messageType() string     { return TypeCommentResolve }
func (CursorMove) messageType() string         { return TypeCursorMove }
func (SelectionChange) messageType() string    { return TypeSelectionChange }
func (Heartbeat) messageType() string          { return TypeHeartbeat }

type envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// DecodeInbound parses one socket frame. The optional request_id is echoed
// on the ack or error reply.
func DecodeInbound(data []byte) (Inbound, string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", domain.Validation("malformed message")
	}

	var (
		msg Inbound
		err error
	)
	switch env.Type {
	case TypeUserJoin:
		msg, err = decode[UserJoin](data)
	case TypeContentSubscribe:
		msg, err = decode[ContentSubscribe](data)
	case TypeContentUnsubscribe:
		msg, err = decode[ContentUnsubscribe](data)
	case TypeEditStart:
		msg, err = decode[EditStart](data)
	case TypeEditChange:
		msg, err = decode[EditChange](data)
	case TypeEditEnd:
		msg, err = decode[EditEnd](data)
	case TypeCommentAdd:
		msg, err = decode[CommentAdd](data)
	case TypeCommentResolve:
		msg, err = decode[CommentResolve](data)
	case TypeCursorMove:
		msg, err = decode[CursorMove](data)
	case TypeSelectionChange:
		msg, err = decode[SelectionChange](data)
	case TypeHeartbeat:
		msg = Heartbeat{}
	case "":
		err = domain.Validation("message type is required")
	default:
		err = domain.Validationf("unknown message type %q", env.Type)
	}
	return msg, env.RequestID, err
}

func decode[T Inbound](data []byte) (Inbound, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, domain.Validationf("malformed %s message", msg.messageType())
	}
	return msg, nil
}

// Client is the per-socket state. It has no presence connection until a
// user_join succeeds.
type Client struct {
	conn *presence.Connection
}

func (c *Client) Connection() *presence.Connection {
	return c.conn
}

// Handle dispatches one inbound message. A non-nil result is sent back as an
// ack; broadcast traffic (cursor, selection, heartbeat) returns nil.
func (s *Service) Handle(ctx context.Context, client *Client, msg Inbound) (any, error) {
	if _, joining := msg.(UserJoin); !joining {
		if client.conn == nil {
			return nil, domain.Validation("user_join must be the first message")
		}
		_ = s.presence.Heartbeat(ctx, client.conn.ID, false)
	}

	switch m := msg.(type) {
	case UserJoin:
		return s.join(ctx, client, m)
	case Heartbeat:
		if err := s.presence.Heartbeat(ctx, client.conn.ID, true); err != nil {
			return nil, err
		}
		// a client heartbeat keeps its open edit sessions from idling out
		s.editing.TouchConnection(client.conn.ID, "")
		return nil, nil
	case ContentSubscribe:
		return nil, s.presence.Subscribe(ctx, client.conn.ID, strings.TrimSpace(m.AssetID))
	case ContentUnsubscribe:
		assetID := strings.TrimSpace(m.AssetID)
		if err := s.presence.Unsubscribe(ctx, client.conn.ID, assetID); err != nil {
			return nil, err
		}
		return map[string]any{"asset_id": assetID}, nil
	case EditStart:
		return s.startEdit(ctx, client, m)
	case EditChange:
		if _, err := s.ownedSession(client, m.SessionID); err != nil {
			return nil, err
		}
		change, err := s.editing.ApplyChange(ctx, m.SessionID, m.SectionID, m.Delta)
		if err != nil {
			return nil, err
		}
		return map[string]any{"change_id": change.ID, "section_id": change.SectionID}, nil
	case EditEnd:
		if _, err := s.ownedSession(client, m.SessionID); err != nil {
			return nil, err
		}
		session, err := s.editing.EndSession(ctx, m.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session_id": session.ID}, nil
	case CommentAdd:
		comment, err := s.comments.Add(ctx, comments.AddInput{
			AssetID:    m.AssetID,
			IdentityID: client.conn.Identity.ID,
			Text:       m.Text,
			Anchor:     m.Anchor,
			ParentID:   m.ParentID,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"comment": comment}, nil
	case CommentResolve:
		comment, err := s.comments.Resolve(ctx, m.CommentID, client.conn.Identity.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"comment": comment}, nil
	case CursorMove:
		return nil, s.relay(client, m.AssetID, broker.KindCursorMoved, "position", m.Position)
	case SelectionChange:
		return nil, s.relay(client, m.AssetID, broker.KindSelectionChanged, "selection", m.Selection)
	default:
		return nil, domain.Validationf("unsupported message type %q", msg.messageType())
	}
}

func (s *Service) join(ctx context.Context, client *Client, m UserJoin) (any, error) {
	if client.conn != nil {
		return nil, domain.Validation("already joined")
	}
	conn, err := s.presence.RegisterConnection(ctx, store.Identity{
		ID:          m.IdentityID,
		DisplayName: strings.TrimSpace(m.DisplayName),
		Role:        strings.TrimSpace(m.Role),
	})
	if err != nil {
		return nil, err
	}
	client.conn = conn
	return map[string]any{
		"connection_id":      conn.ID,
		"identity":           conn.Identity,
		"heartbeat_interval": s.cfg.HeartbeatInterval.Seconds(),
	}, nil
}

func (s *Service) startEdit(ctx context.Context, client *Client, m EditStart) (any, error) {
	assetID := strings.TrimSpace(m.AssetID)
	if assetID == "" {
		return nil, domain.Validation("asset_id is required")
	}
	if !s.broker.IsSubscribed(assetID, client.conn.ID) {
		return nil, domain.Permission("subscribe to the asset before editing")
	}
	session, err := s.editing.StartSession(ctx, editing.StartRequest{
		IdentityID:   client.conn.Identity.ID,
		ConnectionID: client.conn.ID,
		AssetID:      assetID,
		Sections:     m.Sections,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": session}, nil
}

// ownedSession resolves sessionID and checks it was opened on this socket.
func (s *Service) ownedSession(client *Client, sessionID string) (editing.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return editing.Session{}, domain.Validation("session_id is required")
	}
	session, ok := s.editing.Session(sessionID)
	if !ok {
		return editing.Session{}, domain.NotFound("session", sessionID)
	}
	if session.ConnectionID != client.conn.ID {
		return editing.Session{}, domain.Permission("session belongs to another connection")
	}
	return session, nil
}

// relay fans ephemeral pointer traffic out to the other subscribers and
// counts as editing activity for the sender's sessions on that asset.
func (s *Service) relay(client *Client, assetID string, kind broker.Kind, field string, payload json.RawMessage) error {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return domain.Validation("asset_id is required")
	}
	if !s.broker.IsSubscribed(assetID, client.conn.ID) {
		return domain.Permission("not subscribed to asset")
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("null")
	}
	s.broker.Publish(assetID, broker.Event{
		Kind:     kind,
		Identity: client.conn.Identity.ID,
		Body: map[string]any{
			"connection_id": client.conn.ID,
			field:           payload,
		},
	}, client.conn.ID)
	s.editing.TouchConnection(client.conn.ID, assetID)
	return nil
}

// ackFrame and errorFrame are direct replies; they bypass asset sequencing.
func ackFrame(requestID string, msgType string, result any) broker.Event {
	return broker.Event{
		Kind: broker.KindAck,
		Body: map[string]any{
			"request_id": requestID,
			"reply_to":   msgType,
			"result":     result,
		},
	}
}

func errorFrame(requestID string, err error) broker.Event {
	_, code, message, details := mapError(err)
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	if requestID != "" {
		body["request_id"] = requestID
	}
	return broker.Event{Kind: broker.KindError, Body: body}
}
