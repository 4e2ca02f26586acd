package search

import (
	"context"
	"fmt"
	"strings"

	"montage/api/internal/store"
)

type commentLister interface {
	ListComments(ctx context.Context, assetID string) ([]store.Comment, error)
}

// Scan matches every query term case-insensitively against the comments of
// one asset. It backs deployments running on the in-memory store.
type Scan struct {
	comments commentLister
}

func NewScan(comments commentLister) *Scan {
	return &Scan{comments: comments}
}

func (s *Scan) Healthy() bool {
	return true
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	comments, err := s.comments.ListComments(ctx, q.AssetID)
	if err != nil {
		return nil, 0, fmt.Errorf("scan comments: %w", err)
	}

	matched := make([]Result, 0)
	for _, comment := range comments {
		if comment.Resolved && !q.IncludeResolved {
			continue
		}
		haystack := strings.ToLower(comment.Text + " " + comment.Anchor)
		if !containsAll(haystack, terms) {
			continue
		}
		matched = append(matched, Result{
			ID:       comment.ID,
			AssetID:  comment.AssetID,
			Author:   comment.Author,
			Anchor:   comment.Anchor,
			Snippet:  comment.Text,
			Resolved: comment.Resolved,
		})
	}

	total := len(matched)
	start := q.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + limitOrDefault(q.Limit)
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
