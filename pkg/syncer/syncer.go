// Package syncer orchestrates one account's sync cycle through its
// stages: fetch every active connection in parallel, consolidate the
// snapshots into the canonical graph, detect corrective actions, push
// them, and record the outcome. A cycle for an account never overlaps
// another cycle for the same account; cycles for different accounts are
// independent.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/agentstation/utc"

	"github.com/shelfsync/shelfsync/internal/lock"
	"github.com/shelfsync/shelfsync/pkg/connectors"
	"github.com/shelfsync/shelfsync/pkg/consolidator"
	"github.com/shelfsync/shelfsync/pkg/detector"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/logging"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/pusher"
	"github.com/shelfsync/shelfsync/pkg/store"
)

// State is one stage of the per-account sync state machine.
type State string

const (
	StateIdle             State = "idle"
	StateFetching         State = "fetching"
	StateConsolidating    State = "consolidating"
	StateDetectingChanges State = "detecting_changes"
	StatePushing          State = "pushing"
	StateFailed           State = "failed"
)

// lockTTL bounds how long a crashed replica can keep an account locked.
const lockTTL = 30 * time.Minute

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker replaces the default in-process overlap guard, typically
// with the Redis locker when multiple replicas run.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// Orchestrator drives sync cycles.
type Orchestrator struct {
	directory    store.ConnectionDirectory
	registry     *connectors.Registry
	consolidator *consolidator.Consolidator
	detector     *detector.Detector
	pusher       *pusher.Pusher
	locker       lock.Locker
	dryRun       bool

	mu     sync.RWMutex
	states map[string]State
}

// New creates an Orchestrator.
func New(directory store.ConnectionDirectory, registry *connectors.Registry, cons *consolidator.Consolidator, det *detector.Detector, push *pusher.Pusher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		directory:    directory,
		registry:     registry,
		consolidator: cons,
		detector:     det,
		pusher:       push,
		locker:       lock.NewMemory(),
		states:       map[string]State{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithDryRun makes SyncAccount stop after change detection: actions are
// reported as detected but nothing is pushed.
func WithDryRun(enabled bool) Option {
	return func(o *Orchestrator) { o.dryRun = enabled }
}

// StateOf reports the account's current stage.
func (o *Orchestrator) StateOf(accountID string) State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if s, ok := o.states[accountID]; ok {
		return s
	}
	return StateIdle
}

func (o *Orchestrator) setState(ctx context.Context, accountID string, s State) {
	o.mu.Lock()
	o.states[accountID] = s
	o.mu.Unlock()
	logging.Ctx(ctx).Debug().Str("state", string(s)).Msg("Sync state changed")
}

// SyncAccount runs one full cycle for the account. It returns
// errors.ErrSyncInProgress when another cycle for the account is still
// running. Partial failure is data on the report, not an error; the error
// return covers contention and unrecoverable stage failures only.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID string) (*SyncReport, error) {
	ctx = logging.WithAccount(ctx, accountID)
	log := logging.Ctx(ctx)

	acquired, err := o.locker.Acquire(ctx, "sync:"+accountID, lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		log.Info().Msg("Sync already in progress, skipping")
		return nil, errors.ErrSyncInProgress
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.locker.Release(releaseCtx, "sync:"+accountID); err != nil {
			log.Error().Err(err).Msg("Failed to release sync lock")
		}
	}()

	report := &SyncReport{
		AccountID: accountID,
		StartedAt: utc.Now(),
		Created:   map[platforms.EntityType]int{},
	}
	fail := func(stageErr error) (*SyncReport, error) {
		o.setState(ctx, accountID, StateFailed)
		report.Err = stageErr
		o.finish(ctx, accountID, report)
		return report, stageErr
	}

	o.setState(ctx, accountID, StateFetching)
	conns, err := o.directory.GetActiveConnections(ctx, accountID)
	if err != nil {
		return fail(err)
	}
	if len(conns) == 0 {
		log.Info().Msg("No active connections, nothing to sync")
		o.finish(ctx, accountID, report)
		return report, nil
	}

	snapshots, byPlatform := o.fetchAll(ctx, conns, report)
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	o.setState(ctx, accountID, StateConsolidating)
	graph, err := o.consolidator.Consolidate(ctx, accountID, snapshots)
	if err != nil {
		return fail(err)
	}
	report.Created = graph.Created
	report.Issues = graph.Issues

	o.setState(ctx, accountID, StateDetectingChanges)
	actions, err := o.detector.Detect(ctx, graph)
	if err != nil {
		return fail(err)
	}
	log.Info().Int("actions", len(actions)).Msg("Change detection complete")

	if o.dryRun {
		for _, a := range actions {
			log.Info().Str("action", a.ID()).Msg("Dry run, not pushing")
		}
		o.finish(ctx, accountID, report)
		return report, nil
	}

	o.setState(ctx, accountID, StatePushing)
	report.Results = o.pusher.Push(ctx, byPlatform, actions)
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	o.finish(ctx, accountID, report)
	return report, nil
}

// fetchAll runs one fetch per connection in parallel. A connection's
// failure is recorded and excluded; it never aborts the batch. Rejected
// credentials additionally flag the connection for re-authentication.
func (o *Orchestrator) fetchAll(ctx context.Context, conns []store.Connection, report *SyncReport) ([]consolidator.Snapshot, map[platforms.Platform]store.Connection) {
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		snapshots []consolidator.Snapshot
	)
	byPlatform := map[platforms.Platform]store.Connection{}
	for _, conn := range conns {
		if _, dup := byPlatform[conn.Platform]; !dup {
			byPlatform[conn.Platform] = conn
		}
	}

	for _, conn := range conns {
		wg.Add(1)
		go func(conn store.Connection) {
			defer wg.Done()
			fctx := logging.WithConnection(logging.WithPlatform(ctx, string(conn.Platform)), conn.ID)
			log := logging.Ctx(fctx)

			outcome := FetchOutcome{ConnectionID: conn.ID, Platform: conn.Platform}
			snap, err := o.fetchOne(fctx, conn)
			if err != nil {
				outcome.Err = err
				log.Warn().Err(err).Msg("Fetch failed, excluding connection from cycle")
				if errors.IsAuth(err) {
					if markErr := o.directory.MarkNeedsReauth(fctx, conn.ID); markErr != nil {
						log.Error().Err(markErr).Msg("Failed to flag connection for re-auth")
					}
				}
			} else {
				outcome.Locations = len(snap.Locations)
				outcome.Products = len(snap.Products)
			}

			mu.Lock()
			report.Fetches = append(report.Fetches, outcome)
			if err == nil {
				snapshots = append(snapshots, snap)
			}
			mu.Unlock()
		}(conn)
	}
	wg.Wait()

	return snapshots, byPlatform
}

func (o *Orchestrator) fetchOne(ctx context.Context, conn store.Connection) (consolidator.Snapshot, error) {
	connector, err := o.registry.Get(conn.Platform)
	if err != nil {
		return consolidator.Snapshot{}, err
	}

	locations, err := connector.FetchLocations(ctx, conn)
	if err != nil {
		return consolidator.Snapshot{}, err
	}
	products, err := connector.FetchCatalog(ctx, conn)
	if err != nil {
		return consolidator.Snapshot{}, err
	}
	return consolidator.Snapshot{
		Platform:  conn.Platform,
		Locations: locations,
		Products:  products,
	}, nil
}

func (o *Orchestrator) finish(ctx context.Context, accountID string, report *SyncReport) {
	report.FinishedAt = utc.Now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	o.setState(ctx, accountID, StateIdle)

	log := logging.Ctx(ctx)
	if report.Err != nil {
		log.Error().Err(report.Err).Str("summary", report.Summary()).Msg("Sync failed")
		return
	}
	log.Info().Str("summary", report.Summary()).Msg("Sync complete")
}
