// Package search indexes and queries comment text. Meilisearch is preferred
// when reachable; Postgres full-text search or an in-process scan serve as
// fallbacks.
package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	AssetID  string `json:"asset_id"`
	Author   string `json:"author"`
	Anchor   string `json:"anchor,omitempty"`
	Snippet  string `json:"snippet"`
	Resolved bool   `json:"resolved"`
}

// Query describes a search request. AssetID scopes the search to one asset.
type Query struct {
	Text            string
	AssetID         string
	IncludeResolved bool
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push comments into a search index.
type Indexer interface {
	IndexComment(c CommentRecord) error
	IndexComments(cs []CommentRecord) error
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID       string `json:"id"`
	AssetID  string `json:"asset_id"`
	Author   string `json:"author"`
	Text     string `json:"text"`
	Anchor   string `json:"anchor"`
	Resolved bool   `json:"resolved"`
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}
