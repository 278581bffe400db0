// Package session derives visit-level sessions from hydrated event
// streams. Events group per (tenant, anonymous_id); an inactivity gap
// longer than the threshold closes a session and opens the next one.
// Events carrying no anonymous id fall back to deterministic hour
// buckets so every event belongs to exactly one session.
package session

import (
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stratalabs/strata/internal/fingerprint"
	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/pkg/types"
)

// DefaultGap is the inactivity threshold that closes a session.
const DefaultGap = 30 * time.Minute

// Sessionizer assigns events to sessions for one tenant at a time.
type Sessionizer struct {
	gap time.Duration
	log *zap.SugaredLogger
}

func NewSessionizer(gap time.Duration, log *zap.SugaredLogger) *Sessionizer {
	if gap <= 0 {
		gap = DefaultGap
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Sessionizer{gap: gap, log: log}
}

// Assign groups one tenant's events into sessions. links maps anonymous
// ids to resolved user ids; isConversion reports whether an event name
// marks a converting session. Events may arrive in any order.
//
// Session keys are anonymous_id + "_" + a per-identity counter, 1-based
// and monotonic in time. Attribution fields take the first non-empty
// utm value in timestamp order; the landing page is the first event's
// page location. A session's resolved user is the identity link when
// one exists, else the first non-empty user id seen in the session,
// else the anonymous id itself.
func (s *Sessionizer) Assign(tenant string, events []types.Event, links map[string]string, isConversion func(string) bool) []types.Session {
	if isConversion == nil {
		isConversion = func(string) bool { return false }
	}

	byIdentity := make(map[string][]types.Event)
	var orphans []types.Event
	for _, ev := range events {
		if ev.AnonymousID == "" {
			orphans = append(orphans, ev)
			continue
		}
		byIdentity[ev.AnonymousID] = append(byIdentity[ev.AnonymousID], ev)
	}

	anons := make([]string, 0, len(byIdentity))
	for anon := range byIdentity {
		anons = append(anons, anon)
	}
	sort.Strings(anons)

	var out []types.Session

	flush := func(sess *types.Session, firstUserID string) {
		if sess == nil {
			return
		}
		if linked, ok := links[sess.AnonymousID]; ok && linked != "" {
			sess.ResolvedUserID = linked
		} else if firstUserID != "" {
			sess.ResolvedUserID = firstUserID
		} else {
			sess.ResolvedUserID = sess.AnonymousID
		}
		out = append(out, *sess)
	}

	for _, anon := range anons {
		evs := byIdentity[anon]
		sortEvents(evs)

		var cur *types.Session
		var firstUserID string
		var lastAt time.Time
		counter := 0

		for i := range evs {
			ev := &evs[i]
			if cur == nil || ev.EventTimestamp.Sub(lastAt) > s.gap {
				flush(cur, firstUserID)
				counter++
				cur = &types.Session{
					SessionKey:  anon + "_" + strconv.Itoa(counter),
					TenantSlug:  tenant,
					AnonymousID: anon,
					StartAt:     ev.EventTimestamp,
					LandingPage: ev.PageLocation,
				}
				firstUserID = ""
			}
			absorb(cur, ev, &firstUserID, isConversion)
			lastAt = ev.EventTimestamp
		}
		flush(cur, firstUserID)
	}

	if len(orphans) > 0 {
		out = append(out, s.fallbackSessions(tenant, orphans, isConversion)...)
	}
	return out
}

// fallbackSessions buckets events without an anonymous id by hour. The
// bucket's key is the murmur3 hex of the (empty) anonymous id plus the
// hour-truncated timestamp, so re-runs produce the same keys.
func (s *Sessionizer) fallbackSessions(tenant string, orphans []types.Event, isConversion func(string) bool) []types.Session {
	buckets := make(map[time.Time][]types.Event)
	for _, ev := range orphans {
		hour := ev.EventTimestamp.UTC().Truncate(time.Hour)
		buckets[hour] = append(buckets[hour], ev)
	}

	hours := make([]time.Time, 0, len(buckets))
	for hour := range buckets {
		hours = append(hours, hour)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	s.log.Debugw("hour-bucket sessions for events without anonymous id",
		"tenant", tenant,
		"events", len(orphans),
		"buckets", len(hours),
	)

	sessions := make([]types.Session, 0, len(hours))
	for _, hour := range hours {
		evs := buckets[hour]
		sortEvents(evs)

		sess := &types.Session{
			SessionKey:  FallbackKey("", hour),
			TenantSlug:  tenant,
			StartAt:     evs[0].EventTimestamp,
			LandingPage: evs[0].PageLocation,
		}
		var firstUserID string
		for i := range evs {
			absorb(sess, &evs[i], &firstUserID, isConversion)
		}
		sess.ResolvedUserID = firstUserID
		sessions = append(sessions, *sess)
	}
	return sessions
}

// absorb folds one event into an open session.
func absorb(sess *types.Session, ev *types.Event, firstUserID *string, isConversion func(string) bool) {
	sess.EndAt = ev.EventTimestamp
	sess.EventCount++
	if sess.Source == "" && ev.UTMSource != "" {
		sess.Source = ev.UTMSource
	}
	if sess.Medium == "" && ev.UTMMedium != "" {
		sess.Medium = ev.UTMMedium
	}
	if sess.Campaign == "" && ev.UTMCampaign != "" {
		sess.Campaign = ev.UTMCampaign
	}
	if *firstUserID == "" && ev.UserID != "" {
		*firstUserID = ev.UserID
	}
	if !sess.IsConversion && isConversion(ev.EventName) {
		sess.IsConversion = true
	}
}

// FallbackKey derives the hour-bucket session key for events with no
// usable anonymous id.
func FallbackKey(anonymousID string, hour time.Time) string {
	return fingerprint.SumBytes([]byte(anonymousID + hour.UTC().Format(time.RFC3339)))
}

func sortEvents(evs []types.Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].EventTimestamp.Equal(evs[j].EventTimestamp) {
			return evs[i].EventTimestamp.Before(evs[j].EventTimestamp)
		}
		return evs[i].EventID < evs[j].EventID
	})
}
