package versioning

import (
	"context"
	"strings"
	"time"

	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/operations"
)

type Activity struct {
	Author   operations.AuthorID   `json:"author"`
	Period   TimePeriod            `json:"period"`
	Versions []history.VersionInfo `json:"versions"`
	Summary  ActivitySummary       `json:"summary"`
	Patterns []ActivityPattern     `json:"patterns"`
}

type TimePeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type ActivitySummary struct {
	TotalVersions int `json:"total_versions"`
	Restores      int `json:"restores"`
	Inserted      int `json:"inserted"`
	Deleted       int `json:"deleted"`
}

type ActivityPattern struct {
	Type        PatternType `json:"type"`
	Description string      `json:"description"`
	Frequency   float64     `json:"frequency"`
}

type PatternType string

const (
	PatternBursty PatternType = "bursty" // many versions in a short span
	PatternSteady PatternType = "steady"
)

// AuthorActivity summarizes the versions author recorded after since.
// Character counts come from the stored deltas; baselines are compared
// against their predecessor.
func (e *Engine) AuthorActivity(ctx context.Context, author operations.AuthorID, since time.Time) (*Activity, error) {
	e.mutex.RLock()
	versions := e.versions
	e.mutex.RUnlock()

	activity := &Activity{
		Author:   author,
		Period:   TimePeriod{Start: since, End: time.Now()},
		Versions: []history.VersionInfo{},
	}

	var authored []*history.Version
	for _, v := range versions {
		if v.Author == author && v.CreatedAt.After(since) {
			authored = append(authored, v)
		}
	}

	for _, v := range authored {
		activity.Versions = append(activity.Versions, v.Info())
		activity.Summary.TotalVersions++
		if isRestore(v) {
			activity.Summary.Restores++
		}

		inserted, deleted, err := e.changes(ctx, v)
		if err != nil {
			return nil, err
		}
		activity.Summary.Inserted += inserted
		activity.Summary.Deleted += deleted
	}

	activity.Patterns = detectPatterns(authored)
	return activity, nil
}

func (e *Engine) changes(ctx context.Context, v *history.Version) (int, int, error) {
	if !v.IsBaseline {
		d, err := e.codec.DecodeDelta(v.Payload, v.Encoding)
		if err != nil {
			return 0, 0, corrupted(v.Sequence, err)
		}
		inserted, deleted := d.Changes()
		return inserted, deleted, nil
	}
	if v.Sequence == 1 {
		return v.ResultLength, 0, nil
	}

	cmp, err := e.Compare(ctx, v.Sequence-1, v.Sequence)
	if err != nil {
		return 0, 0, err
	}
	return cmp.Stats.Inserted, cmp.Stats.Deleted, nil
}

func detectPatterns(versions []*history.Version) []ActivityPattern {
	var patterns []ActivityPattern
	if len(versions) < 2 {
		return patterns
	}

	span := versions[len(versions)-1].CreatedAt.Sub(versions[0].CreatedAt)
	if span <= 0 {
		span = time.Minute
	}
	rate := float64(len(versions)) / span.Hours()

	if rate > 5.0 {
		patterns = append(patterns, ActivityPattern{
			Type:        PatternBursty,
			Description: "Many versions recorded in a short period",
			Frequency:   rate,
		})
	} else {
		patterns = append(patterns, ActivityPattern{
			Type:        PatternSteady,
			Description: "Versions recorded at a regular pace",
			Frequency:   rate,
		})
	}
	return patterns
}

func isRestore(v *history.Version) bool {
	return strings.HasPrefix(v.Description, restoredPrefix)
}
