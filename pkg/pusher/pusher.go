// Package pusher applies detected actions to their target platforms.
// Actions are grouped per platform; groups run in parallel while actions
// inside a group run sequentially against the platform's rate limit.
// Failure is contained per unit: a transient error retries with bounded
// exponential backoff, an unresolved mapping skips only that action, and
// an auth failure aborts the rest of the platform's group and flags its
// connection for re-authentication. Push never returns an error for
// partial failure; the per-action outcomes are the result.
package pusher

import (
	"context"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/connectors"
	"github.com/shelfsync/shelfsync/pkg/detector"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/logging"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
)

// Outcome classifies how one action ended.
type Outcome string

const (
	// OutcomeSucceeded means the platform accepted the write.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed means the write failed after exhausting retries.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkippedUnresolved means the action targeted an entity with no
	// known platform-native ID.
	OutcomeSkippedUnresolved Outcome = "skipped_unresolved"
	// OutcomeAborted means an earlier auth failure cancelled the rest of
	// the platform's group.
	OutcomeAborted Outcome = "aborted"
)

// Result pairs one action with its outcome.
type Result struct {
	Action   detector.Action
	Outcome  Outcome
	Attempts int
	Err      error
}

// Option configures a Pusher.
type Option func(*Pusher)

// WithMaxAttempts bounds retries for transient errors.
func WithMaxAttempts(n int) Option {
	return func(p *Pusher) { p.maxAttempts = n }
}

// WithBaseDelay sets the first backoff delay; each retry doubles it.
func WithBaseDelay(d time.Duration) Option {
	return func(p *Pusher) { p.baseDelay = d }
}

// Pusher executes actions through the connector registry.
type Pusher struct {
	registry  *connectors.Registry
	mappings  store.MappingStore
	canonical store.CanonicalStore
	directory store.ConnectionDirectory

	maxAttempts int
	baseDelay   time.Duration
}

// New creates a Pusher.
func New(registry *connectors.Registry, mappings store.MappingStore, canonical store.CanonicalStore, directory store.ConnectionDirectory, opts ...Option) *Pusher {
	p := &Pusher{
		registry:    registry,
		mappings:    mappings,
		canonical:   canonical,
		directory:   directory,
		maxAttempts: 4,
		baseDelay:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Push applies the actions using the given per-platform connections and
// returns one result per action, in the input's order.
func (p *Pusher) Push(ctx context.Context, conns map[platforms.Platform]store.Connection, actions []detector.Action) []Result {
	groups := map[platforms.Platform][]int{}
	for i, a := range actions {
		groups[a.Platform] = append(groups[a.Platform], i)
	}

	results := make([]Result, len(actions))

	var wg sync.WaitGroup
	for platform, indexes := range groups {
		wg.Add(1)
		go func(platform platforms.Platform, indexes []int) {
			defer wg.Done()
			p.pushGroup(ctx, platform, conns, actions, indexes, results)
		}(platform, indexes)
	}
	wg.Wait()

	return results
}

// pushGroup runs one platform's actions sequentially, writing each result
// into its input slot.
func (p *Pusher) pushGroup(ctx context.Context, platform platforms.Platform, conns map[platforms.Platform]store.Connection, actions []detector.Action, indexes []int, results []Result) {
	log := logging.Ctx(ctx).With().Str("platform", string(platform)).Logger()

	conn, ok := conns[platform]
	connector, regErr := p.registry.Get(platform)
	if !ok || regErr != nil {
		err := regErr
		if err == nil {
			err = errors.ErrUnsupportedPlatform
		}
		for _, i := range indexes {
			results[i] = Result{Action: actions[i], Outcome: OutcomeFailed, Err: err}
		}
		return
	}

	aborted := false
	for _, i := range indexes {
		action := actions[i]
		if aborted {
			results[i] = Result{Action: action, Outcome: OutcomeAborted, Err: errors.ErrAuth}
			continue
		}

		result := p.pushOne(ctx, connector, conn, action)
		results[i] = result

		switch {
		case result.Outcome == OutcomeSucceeded:
			log.Debug().Str("action", action.ID()).Int("attempts", result.Attempts).Msg("Action applied")
		case errors.IsAuth(result.Err):
			log.Warn().Str("action", action.ID()).Err(result.Err).Msg("Credentials rejected, aborting platform group")
			if err := p.directory.MarkNeedsReauth(ctx, conn.ID); err != nil {
				log.Error().Err(err).Str("connection_id", conn.ID).Msg("Failed to flag connection for re-auth")
			}
			aborted = true
		default:
			log.Warn().Str("action", action.ID()).Str("outcome", string(result.Outcome)).Err(result.Err).Msg("Action not applied")
		}
	}
}

// pushOne executes a single action with retries for transient failures.
func (p *Pusher) pushOne(ctx context.Context, connector connectors.Connector, conn store.Connection, action detector.Action) Result {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := p.apply(ctx, connector, conn, action)
		if err == nil {
			return Result{Action: action, Outcome: OutcomeSucceeded, Attempts: attempt}
		}
		lastErr = err

		if errors.IsUnresolvedMapping(err) {
			return Result{Action: action, Outcome: OutcomeSkippedUnresolved, Attempts: attempt, Err: err}
		}
		if !errors.IsTransient(err) || errors.IsCanceled(err) {
			return Result{Action: action, Outcome: OutcomeFailed, Attempts: attempt, Err: err}
		}
		if attempt < p.maxAttempts {
			if err := sleep(ctx, p.baseDelay<<(attempt-1)); err != nil {
				return Result{Action: action, Outcome: OutcomeFailed, Attempts: attempt, Err: err}
			}
		}
	}
	return Result{Action: action, Outcome: OutcomeFailed, Attempts: p.maxAttempts, Err: lastErr}
}

// apply dispatches one action to the connector, resolving platform-native
// IDs first and recording newly assigned IDs afterwards.
func (p *Pusher) apply(ctx context.Context, connector connectors.Connector, conn store.Connection, action detector.Action) error {
	platform := connector.Platform()

	switch action.Kind {
	case detector.KindCreateProduct:
		created, err := connector.PushProductCreate(ctx, conn, action.Product)
		if err != nil {
			return err
		}
		return p.recordProductIDs(ctx, platform, created)

	case detector.KindUpdateProduct:
		if action.Product.ExternalIDs.Get(platform) == "" {
			if err := p.hydrateProductIDs(ctx, platform, action.Product); err != nil {
				return err
			}
		}
		updated, err := connector.PushProductUpdate(ctx, conn, action.Product)
		if err != nil {
			return err
		}
		return p.recordProductIDs(ctx, platform, updated)

	case detector.KindCreateLocation:
		created, err := connector.CreateLocation(ctx, conn, action.Location)
		if err != nil {
			return err
		}
		if nativeID := created.ExternalIDs.Get(platform); nativeID != "" {
			if _, err := p.mappings.SaveMapping(ctx, store.Mapping{
				InternalID: created.ID,
				Platform:   platform,
				EntityType: platforms.EntityLocation,
				PlatformID: nativeID,
			}); err != nil {
				return err
			}
			if err := p.canonical.UpsertLocation(ctx, created); err != nil {
				return err
			}
		}
		return nil

	case detector.KindSetInventory:
		variantNativeID, err := p.mappings.GetPlatformID(ctx, platform, platforms.EntityVariant, action.VariantID)
		if err != nil {
			return unresolvedOr(err, platform, platforms.EntityVariant, action.VariantID)
		}
		locationNativeID, err := p.mappings.GetPlatformID(ctx, platform, platforms.EntityLocation, action.LocationID)
		if err != nil {
			return unresolvedOr(err, platform, platforms.EntityLocation, action.LocationID)
		}
		return connector.PushInventoryLevel(ctx, conn, variantNativeID, locationNativeID, action.Quantity)

	default:
		return &errors.ValidationError{Field: "kind", Value: action.Kind, Message: "unknown action kind"}
	}
}

// hydrateProductIDs fills missing platform IDs on the product and its
// variants from the mapping store before an update.
func (p *Pusher) hydrateProductIDs(ctx context.Context, platform platforms.Platform, product *catalog.Product) error {
	nativeID, err := p.mappings.GetPlatformID(ctx, platform, platforms.EntityProduct, product.ID)
	if err != nil {
		return unresolvedOr(err, platform, platforms.EntityProduct, product.ID)
	}
	product.ExternalIDs.Set(platform, nativeID)

	for _, v := range product.Variants {
		if v.ExternalIDs.Get(platform) != "" {
			continue
		}
		vNativeID, err := p.mappings.GetPlatformID(ctx, platform, platforms.EntityVariant, v.ID)
		if err != nil {
			if errors.IsNotFound(err) {
				// Connector treats a missing variant ID as a create.
				continue
			}
			return err
		}
		v.ExternalIDs.Set(platform, vNativeID)
	}
	return nil
}

// recordProductIDs persists mappings and canonical external IDs for every
// platform ID the connector assigned.
func (p *Pusher) recordProductIDs(ctx context.Context, platform platforms.Platform, product *catalog.Product) error {
	if nativeID := product.ExternalIDs.Get(platform); nativeID != "" {
		if _, err := p.mappings.SaveMapping(ctx, store.Mapping{
			InternalID: product.ID,
			Platform:   platform,
			EntityType: platforms.EntityProduct,
			PlatformID: nativeID,
		}); err != nil {
			return err
		}
	}
	for _, v := range product.Variants {
		nativeID := v.ExternalIDs.Get(platform)
		if nativeID == "" {
			continue
		}
		if _, err := p.mappings.SaveMapping(ctx, store.Mapping{
			InternalID: v.ID,
			Platform:   platform,
			EntityType: platforms.EntityVariant,
			PlatformID: nativeID,
		}); err != nil {
			return err
		}
	}

	stored := *product
	stored.Variants = nil
	if err := p.canonical.UpsertProduct(ctx, &stored); err != nil {
		return err
	}
	for _, v := range product.Variants {
		if err := p.canonical.UpsertVariant(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// unresolvedOr maps a not-found mapping lookup to the unresolved-mapping
// taxonomy, passing other errors through.
func unresolvedOr(err error, platform platforms.Platform, entityType platforms.EntityType, internalID string) error {
	if errors.IsNotFound(err) {
		return &errors.UnresolvedMappingError{Platform: platform, EntityType: entityType, InternalID: internalID}
	}
	return err
}

// sleep waits for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
