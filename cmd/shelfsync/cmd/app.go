package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shelfsync/shelfsync/internal/config"
	"github.com/shelfsync/shelfsync/internal/lock"
	"github.com/shelfsync/shelfsync/pkg/authority"
	"github.com/shelfsync/shelfsync/pkg/connectors"
	"github.com/shelfsync/shelfsync/pkg/connectors/clover"
	"github.com/shelfsync/shelfsync/pkg/connectors/shopify"
	"github.com/shelfsync/shelfsync/pkg/connectors/square"
	"github.com/shelfsync/shelfsync/pkg/consolidator"
	"github.com/shelfsync/shelfsync/pkg/detector"
	"github.com/shelfsync/shelfsync/pkg/identity"
	"github.com/shelfsync/shelfsync/pkg/pusher"
	"github.com/shelfsync/shelfsync/pkg/store/sqlite"
	"github.com/shelfsync/shelfsync/pkg/syncer"
)

// app holds the wired sync engine and the handles it must close.
type app struct {
	cfg   *config.Config
	store *sqlite.Store
	orch  *syncer.Orchestrator
	redis *redis.Client
}

// newApp wires the engine: SQLite-backed stores, the connector registry,
// the resolution and detection pipeline, and the orchestrator. When a
// Redis address is configured the per-account overlap guard moves to
// Redis so multiple replicas stay mutually exclusive.
func newApp(cfg *config.Config) (*app, error) {
	st, err := sqlite.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	registry, err := connectors.NewRegistry(shopify.New(), square.New(), clover.New())
	if err != nil {
		st.Close()
		return nil, err
	}

	policy := authority.New()
	if cfg.AuthorityFile != "" {
		policy, err = authority.LoadFile(cfg.AuthorityFile)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	resolver := identity.New(st, st)
	cons := consolidator.New(resolver, st)
	det := detector.New(policy, st)
	push := pusher.New(registry, st, st, st)

	opts := []syncer.Option{syncer.WithDryRun(cfg.DryRun)}
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		opts = append(opts, syncer.WithLocker(lock.NewRedis(redisClient, uuid.NewString())))
	}

	return &app{
		cfg:   cfg,
		store: st,
		orch:  syncer.New(st, registry, cons, det, push, opts...),
		redis: redisClient,
	}, nil
}

func (a *app) Close() error {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	return a.store.Close()
}
