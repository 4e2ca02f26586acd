package app

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"montage/api/internal/broker"
	"montage/api/internal/comments"
	"montage/api/internal/config"
	"montage/api/internal/editing"
	"montage/api/internal/journal"
	"montage/api/internal/presence"
	"montage/api/internal/store"
	"montage/api/internal/workflow"
)

const (
	writeTimeout = 10 * time.Second
	pingTimeout  = 5 * time.Second
)

type historyReader interface {
	History(assetID, sectionID string, limit int) ([]store.CommitInfo, error)
	Entries(assetID, sectionID, rev string) ([]journal.Entry, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Service wires the collaboration components behind the socket and HTTP
// transports.
type Service struct {
	cfg       config.Config
	broker    *broker.Broker
	presence  *presence.Registry
	editing   *editing.Coordinator
	comments  *comments.Manager
	workflows *workflow.Engine
	history   historyReader
	logger    *slog.Logger

	checks map[string]pinger
}

func NewService(
	cfg config.Config,
	events *broker.Broker,
	registry *presence.Registry,
	coordinator *editing.Coordinator,
	commentManager *comments.Manager,
	engine *workflow.Engine,
	history historyReader,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Service{
		cfg:       cfg,
		broker:    events,
		presence:  registry,
		editing:   coordinator,
		comments:  commentManager,
		workflows: engine,
		history:   history,
		logger:    logger,
		checks:    make(map[string]pinger),
	}
}

// AddReadinessCheck registers a dependency reported by /api/ready.
func (s *Service) AddReadinessCheck(name string, check pinger) {
	s.checks[name] = check
}

// Ready pings every registered dependency. The map holds nil for healthy ones.
func (s *Service) Ready(ctx context.Context) map[string]error {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	results := make(map[string]error, len(names))
	for _, name := range names {
		results[name] = s.checks[name].Ping(ctx)
	}
	return results
}
