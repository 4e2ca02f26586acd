// Package comments manages anchored, threaded comments on assets.
package comments

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"montage/api/internal/broker"
	"montage/api/internal/domain"
	"montage/api/internal/search"
	"montage/api/internal/serial"
	"montage/api/internal/store"
	"montage/api/internal/util"
)

type AddInput struct {
	AssetID    string `json:"asset_id"`
	IdentityID string `json:"-"`
	Text       string `json:"text"`
	Anchor     string `json:"anchor"`
	ParentID   string `json:"parent_id"`
}

type commentStore interface {
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	ResolveComment(context.Context, string, string, time.Time) (bool, error)
}

type publisher interface {
	Publish(assetID string, ev broker.Event, exclude ...string) broker.Event
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexComment(record search.CommentRecord)
}

// Manager serializes writes per asset with its own domains, independent of
// the edit lock table.
type Manager struct {
	store   commentStore
	broker  publisher
	search  searchService
	domains *serial.Domains
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(comments commentStore, events publisher, searcher searchService, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   comments,
		broker:  events,
		search:  searcher,
		domains: serial.New(),
		logger:  logger,
		now:     time.Now,
	}
}

func (m *Manager) Add(ctx context.Context, input AddInput) (store.Comment, error) {
	input.AssetID = strings.TrimSpace(input.AssetID)
	input.ParentID = strings.TrimSpace(input.ParentID)
	if input.AssetID == "" {
		return store.Comment{}, domain.Validation("asset_id is required")
	}
	if strings.TrimSpace(input.IdentityID) == "" {
		return store.Comment{}, domain.Validation("identity is required")
	}
	if strings.TrimSpace(input.Text) == "" {
		return store.Comment{}, domain.Validation("comment text is required")
	}

	release := m.domains.Lock(input.AssetID)
	defer release()

	comment := store.Comment{
		ID:        util.NewID("cmt"),
		AssetID:   input.AssetID,
		Author:    input.IdentityID,
		Text:      input.Text,
		Anchor:    strings.TrimSpace(input.Anchor),
		CreatedAt: m.now().UTC(),
	}
	if input.ParentID != "" {
		parent, err := m.store.GetComment(ctx, input.ParentID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Comment{}, domain.Validation("parent comment does not exist")
		}
		if err != nil {
			return store.Comment{}, domain.Storage(err)
		}
		if parent.AssetID != input.AssetID {
			return store.Comment{}, domain.Validation("parent comment belongs to another asset")
		}
		parentID := parent.ID
		comment.ParentID = &parentID
	}

	if err := m.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, domain.Storage(err)
	}

	m.broker.Publish(comment.AssetID, broker.Event{
		Kind:     broker.KindCommentAdded,
		Identity: comment.Author,
		Body:     comment,
	})
	m.index(comment)
	return comment, nil
}

// Resolve marks the comment resolved. Resolving an already resolved comment
// returns its stored state unchanged and publishes nothing.
func (m *Manager) Resolve(ctx context.Context, commentID, identityID string) (store.Comment, error) {
	if strings.TrimSpace(identityID) == "" {
		return store.Comment{}, domain.Validation("identity is required")
	}
	comment, err := m.get(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.Resolved {
		return comment, nil
	}

	release := m.domains.Lock(comment.AssetID)
	defer release()

	changed, err := m.store.ResolveComment(ctx, commentID, identityID, m.now().UTC())
	if err != nil {
		return store.Comment{}, domain.Storage(err)
	}
	comment, err = m.get(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if !changed {
		return comment, nil
	}

	m.broker.Publish(comment.AssetID, broker.Event{
		Kind:     broker.KindCommentResolved,
		Identity: identityID,
		Body:     comment,
	})
	m.index(comment)
	return comment, nil
}

// List returns the comments of assetID ordered by creation time.
func (m *Manager) List(ctx context.Context, assetID string) ([]store.Comment, error) {
	if strings.TrimSpace(assetID) == "" {
		return nil, domain.Validation("asset_id is required")
	}
	items, err := m.store.ListComments(ctx, assetID)
	if err != nil {
		return nil, domain.Storage(err)
	}
	return items, nil
}

func (m *Manager) Get(ctx context.Context, commentID string) (store.Comment, error) {
	return m.get(ctx, commentID)
}

func (m *Manager) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.AssetID) == "" {
		return search.Response{}, domain.Validation("asset_id is required")
	}
	if m.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return m.search.Search(ctx, q), nil
}

func (m *Manager) get(ctx context.Context, commentID string) (store.Comment, error) {
	comment, err := m.store.GetComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Comment{}, domain.NotFound("comment", commentID)
	}
	if err != nil {
		return store.Comment{}, domain.Storage(err)
	}
	return comment, nil
}

func (m *Manager) index(comment store.Comment) {
	if m.search == nil {
		return
	}
	m.search.IndexComment(search.CommentRecord{
		ID:       comment.ID,
		AssetID:  comment.AssetID,
		Author:   comment.Author,
		Text:     comment.Text,
		Anchor:   comment.Anchor,
		Resolved: comment.Resolved,
	})
}
