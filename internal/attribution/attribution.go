// Package attribution joins conversion facts to the marketing sessions
// that drove them. A fact attributes to the latest session of its
// resolved user that started at or before the fact and within the
// lookback window; facts with no qualifying session keep null
// attribution and are never dropped.
package attribution

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stratalabs/strata/internal/bloom"
	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/pkg/types"
)

// DefaultWindow is the lookback window facts attribute within.
const DefaultWindow = 30 * 24 * time.Hour

type Linker struct {
	window time.Duration
	log    *zap.SugaredLogger
}

func NewLinker(window time.Duration, log *zap.SugaredLogger) *Linker {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Linker{window: window, log: log}
}

// Stats summarizes one attribution pass.
type Stats struct {
	Facts      int `json:"facts"`
	Attributed int `json:"attributed"`

	// Screened counts facts the bloom filter rejected without touching
	// the candidate index.
	Screened int `json:"screened"`
}

// Attribute fills the attribution columns on facts in place. Sessions
// may arrive in any order; at most one session attributes per fact.
func (l *Linker) Attribute(facts []types.Fact, sessions []types.Session) Stats {
	stats := Stats{Facts: len(facts)}
	if len(facts) == 0 || len(sessions) == 0 {
		return stats
	}

	byUser := make(map[string][]types.Session)
	filter := bloom.NewWithEstimates(len(sessions), 0.01)
	var minStart, maxStart time.Time
	for _, sess := range sessions {
		if sess.ResolvedUserID == "" {
			continue
		}
		if _, ok := byUser[sess.ResolvedUserID]; !ok {
			filter.Add(sess.ResolvedUserID)
		}
		byUser[sess.ResolvedUserID] = append(byUser[sess.ResolvedUserID], sess)
		if minStart.IsZero() || sess.StartAt.Before(minStart) {
			minStart = sess.StartAt
		}
		if sess.StartAt.After(maxStart) {
			maxStart = sess.StartAt
		}
	}
	if len(byUser) == 0 {
		return stats
	}
	for _, cands := range byUser {
		sort.Slice(cands, func(i, j int) bool { return cands[i].StartAt.Before(cands[j].StartAt) })
	}

	l.log.Debugw("attribution pre-screen built",
		"users", filter.Count(),
		"estimated_fpr", filter.FalsePositiveRate(),
	)

	for i := range facts {
		fact := &facts[i]
		if fact.ResolvedUserID == "" || fact.OccurredAt.IsZero() {
			continue
		}
		// No session anywhere can qualify when the fact predates every
		// session start or postdates the latest by more than the window.
		if fact.OccurredAt.Before(minStart) || fact.OccurredAt.Sub(maxStart) > l.window {
			continue
		}
		if !filter.Contains(fact.ResolvedUserID) {
			stats.Screened++
			continue
		}
		cands := byUser[fact.ResolvedUserID]
		if len(cands) == 0 {
			continue
		}

		// Latest session starting at or before the fact.
		idx := sort.Search(len(cands), func(j int) bool {
			return cands[j].StartAt.After(fact.OccurredAt)
		}) - 1
		if idx < 0 {
			continue
		}
		sess := cands[idx]
		if fact.OccurredAt.Sub(sess.StartAt) > l.window {
			continue
		}

		fact.AttributionSessionKey = sess.SessionKey
		fact.AttributionSource = sess.Source
		fact.AttributionMedium = sess.Medium
		fact.AttributionCampaign = sess.Campaign
		stats.Attributed++
	}
	return stats
}
