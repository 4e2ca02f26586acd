package search

import (
	"context"
	"log/slog"
)

// Service is the facade that tries Meilisearch first and falls back to a
// local searcher (Postgres FTS or an in-process scan).
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback Searcher
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{fallback: fallback, logger: logger}
	if meili != nil {
		s.primary = meili
		s.indexer = meili
	}
	return s
}

// Search tries the primary index if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.WarnContext(ctx, "primary search failed, falling back", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.ErrorContext(ctx, "fallback search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComment indexes a comment (fire-and-forget).
func (s *Service) IndexComment(record CommentRecord) {
	if s.indexer == nil || (s.primary != nil && !s.primary.Healthy()) {
		return
	}
	go func() {
		if err := s.indexer.IndexComment(record); err != nil {
			s.logger.Warn("index comment failed", "comment_id", record.ID, "error", err)
		}
	}()
}

// ReindexAllFromPG pushes every stored comment into the primary index.
func (s *Service) ReindexAllFromPG(ctx context.Context, source *PgFTS) {
	if s.indexer == nil || source == nil || (s.primary != nil && !s.primary.Healthy()) {
		return
	}
	records, err := source.LoadAllRecords(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "reindex load failed", "error", err)
		return
	}
	if err := s.indexer.IndexComments(records); err != nil {
		s.logger.ErrorContext(ctx, "reindex comments failed", "error", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
