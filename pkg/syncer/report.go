package syncer

import (
	"fmt"
	"time"

	"github.com/agentstation/utc"

	"github.com/shelfsync/shelfsync/pkg/consolidator"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/pusher"
)

// FetchOutcome records one connection's fetch result.
type FetchOutcome struct {
	ConnectionID string
	Platform     platforms.Platform
	Locations    int
	Products     int
	Err          error
}

// SyncReport is the full account of one sync cycle. Partial failure lives
// here as data; SyncAccount only errors for contention or a cancelled
// context.
type SyncReport struct {
	AccountID  string
	StartedAt  utc.Time
	FinishedAt utc.Time
	Duration   time.Duration

	Fetches []FetchOutcome
	Created map[platforms.EntityType]int
	Issues  []consolidator.Issue
	Results []pusher.Result

	// Err carries the unrecoverable stage error when the cycle ended in
	// Failed.
	Err error
}

// FetchFailures counts connections whose fetch failed.
func (r *SyncReport) FetchFailures() int {
	n := 0
	for _, f := range r.Fetches {
		if f.Err != nil {
			n++
		}
	}
	return n
}

// Succeeded counts actions the platforms accepted.
func (r *SyncReport) Succeeded() int {
	return r.countOutcome(pusher.OutcomeSucceeded)
}

// Failed counts actions that failed after retries or were aborted.
func (r *SyncReport) Failed() int {
	return r.countOutcome(pusher.OutcomeFailed) + r.countOutcome(pusher.OutcomeAborted)
}

// Skipped counts actions skipped over unresolved mappings.
func (r *SyncReport) Skipped() int {
	return r.countOutcome(pusher.OutcomeSkippedUnresolved)
}

func (r *SyncReport) countOutcome(o pusher.Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Summary renders a one-line digest for logs.
func (r *SyncReport) Summary() string {
	return fmt.Sprintf("account=%s fetches=%d/%d created=%d actions=%d ok=%d failed=%d skipped=%d issues=%d in %s",
		r.AccountID,
		len(r.Fetches)-r.FetchFailures(), len(r.Fetches),
		r.Created[platforms.EntityProduct]+r.Created[platforms.EntityVariant]+r.Created[platforms.EntityLocation],
		len(r.Results), r.Succeeded(), r.Failed(), r.Skipped(),
		len(r.Issues), r.Duration.Round(time.Millisecond))
}
