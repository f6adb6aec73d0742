package app

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pos/internal/portalsync"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Stores bundles the ledger, its outbox and the audit sink for one backend.
type Stores struct {
	Ledger inventory.Ledger
	Outbox portalsync.Outbox
	Audit  inventory.AuditPort
	// Pool is nil for the memory backend.
	Pool *pgxpool.Pool
}

// OpenStores builds the configured backend. Close must be called when done.
func OpenStores(ctx context.Context, cfg *Config, logger *slog.Logger) (*Stores, error) {
	if cfg.UsesMemoryLedger() {
		logger.Warn("using in-memory ledger; stock and pending sync events are lost on restart")
		store := inventory.NewMemoryStore()
		return &Stores{Ledger: store, Outbox: store, Audit: shared.NewSlogAuditor(logger)}, nil
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	repo := inventory.NewRepository(pool)
	return &Stores{Ledger: repo, Outbox: repo, Audit: shared.NewAuditLogger(pool), Pool: pool}, nil
}

// Ready reports whether the backing store is reachable.
func (s *Stores) Ready(ctx context.Context) error {
	if s == nil || s.Pool == nil {
		return nil
	}
	return s.Pool.Ping(ctx)
}

// Close releases database resources.
func (s *Stores) Close() {
	if s != nil && s.Pool != nil {
		s.Pool.Close()
	}
}

// SyncPolicy maps SYNC_* settings onto the dispatcher policy.
func (c *Config) SyncPolicy() portalsync.Policy {
	policy := portalsync.DefaultPolicy()
	if c == nil {
		return policy
	}
	policy.MaxAttempts = c.SyncMaxAttempts
	policy.BaseBackoff = c.SyncBackoffBase
	policy.MaxBackoff = c.SyncBackoffMax
	policy.BatchSize = c.SyncBatchSize
	policy.Concurrency = c.SyncConcurrency
	policy.Lease = c.SyncLease
	return policy
}

// NewPortalClient builds the outbound HTTP client from configuration.
func (c *Config) NewPortalClient() *portalsync.Client {
	return portalsync.NewClient(c.PortalURL, c.PortalAPIKey, c.PortalTimeout)
}
