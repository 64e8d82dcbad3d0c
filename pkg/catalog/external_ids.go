package catalog

import (
	"sort"

	"github.com/shelfsync/shelfsync/pkg/platforms"

	"github.com/shelfsync/shelfsync/pkg/errors"
)

// ExternalIDs maps a platform to the entity's platform-native ID. Order is
// irrelevant; a platform appears at most once.
type ExternalIDs map[platforms.Platform]string

// ExternalRef is one (platform, external ID) pair, used for
// construction-time validation.
type ExternalRef struct {
	Platform platforms.Platform
	ID       string
}

// NewExternalIDs builds an ExternalIDs map from refs, rejecting invalid
// platforms and duplicate platform entries.
func NewExternalIDs(refs ...ExternalRef) (ExternalIDs, error) {
	ids := make(ExternalIDs, len(refs))
	for _, ref := range refs {
		if !ref.Platform.IsValid() {
			return nil, &errors.ValidationError{
				Field:   "platform",
				Value:   ref.Platform,
				Message: "unknown platform",
			}
		}
		if _, dup := ids[ref.Platform]; dup {
			return nil, &errors.ValidationError{
				Field:   "platform",
				Value:   ref.Platform,
				Message: "platform appears twice in external ID set",
			}
		}
		ids[ref.Platform] = ref.ID
	}
	return ids, nil
}

// Get returns the external ID for a platform, or "".
func (e ExternalIDs) Get(platform platforms.Platform) string {
	if e == nil {
		return ""
	}
	return e[platform]
}

// Has reports whether an external ID is recorded for the platform.
func (e ExternalIDs) Has(platform platforms.Platform) bool {
	return e.Get(platform) != ""
}

// Set records the external ID for a platform, overwriting any previous value.
func (e ExternalIDs) Set(platform platforms.Platform, id string) {
	e[platform] = id
}

// Merge copies entries from other into e and returns the result. Existing
// entries win: an already known external ID is never silently re-pointed
// at a different platform record.
func (e ExternalIDs) Merge(other ExternalIDs) ExternalIDs {
	if e == nil {
		e = make(ExternalIDs, len(other))
	}
	for platform, id := range other {
		if _, exists := e[platform]; !exists && id != "" {
			e[platform] = id
		}
	}
	return e
}

// Platforms returns the platforms present in the set, sorted for
// reproducible iteration.
func (e ExternalIDs) Platforms() []platforms.Platform {
	out := make([]platforms.Platform, 0, len(e))
	for p := range e {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a copy of the set.
func (e ExternalIDs) Clone() ExternalIDs {
	if e == nil {
		return ExternalIDs{}
	}
	out := make(ExternalIDs, len(e))
	for p, id := range e {
		out[p] = id
	}
	return out
}
