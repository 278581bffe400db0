// Package identity binds anonymous identifiers to known users. The
// binding is first-association-wins: the user id on the earliest event
// that carries both identifiers resolves the anonymous id, and later
// conflicting pairs never overwrite it, in this run or any run after.
package identity

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/pkg/types"
)

// Store is the persistence the resolver needs: insert-if-absent link
// writes and per-tenant reads. The warehouse store implements it.
type Store interface {
	InsertIdentityLinks(ctx context.Context, links []types.IdentityLink) (int64, error)
	IdentityLinks(ctx context.Context, tenantSlug string) (map[string]string, error)
	ReplaceIdentityStats(ctx context.Context, tenantSlug string, stats types.IdentityStats) error
	IdentityStats(ctx context.Context, tenantSlug string) (*types.IdentityStats, bool, error)
}

type Resolver struct {
	store Store
	log   *zap.SugaredLogger
}

func NewResolver(store Store, log *zap.SugaredLogger) *Resolver {
	if log == nil {
		log = logging.Nop()
	}
	return &Resolver{store: store, log: log}
}

// Resolve derives links from one run's events. Only events carrying both
// an anonymous id and a user id participate; per anonymous id the
// earliest event's user id wins, with the event id as a deterministic
// tie-break inside one timestamp.
func Resolve(tenant string, events []types.Event) []types.IdentityLink {
	sorted := make([]types.Event, 0, len(events))
	for _, ev := range events {
		if ev.AnonymousID == "" || ev.UserID == "" {
			continue
		}
		sorted = append(sorted, ev)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].EventTimestamp.Equal(sorted[j].EventTimestamp) {
			return sorted[i].EventTimestamp.Before(sorted[j].EventTimestamp)
		}
		return sorted[i].EventID < sorted[j].EventID
	})

	seen := make(map[string]struct{})
	var links []types.IdentityLink
	for _, ev := range sorted {
		if _, ok := seen[ev.AnonymousID]; ok {
			continue
		}
		seen[ev.AnonymousID] = struct{}{}
		links = append(links, types.IdentityLink{
			TenantSlug:     tenant,
			AnonymousID:    ev.AnonymousID,
			ResolvedUserID: ev.UserID,
			ResolvedAt:     ev.EventTimestamp,
		})
	}
	return links
}

// Materialize resolves links from this run's events, persists the new
// ones, and returns the tenant's complete link map including links from
// previous runs. The store's insert-if-absent semantics keep an old
// link in place even when this run's events would resolve differently.
func (r *Resolver) Materialize(ctx context.Context, tenant string, events []types.Event) (map[string]string, int64, error) {
	links := Resolve(tenant, events)

	inserted, err := r.store.InsertIdentityLinks(ctx, links)
	if err != nil {
		return nil, 0, err
	}

	all, err := r.store.IdentityLinks(ctx, tenant)
	if err != nil {
		return nil, 0, err
	}

	r.log.Debugw("identity links materialized",
		"tenant", tenant,
		"resolved_this_run", len(links),
		"newly_inserted", inserted,
		"total", len(all),
	)
	return all, inserted, nil
}

// ComputeStats summarizes one run's identity resolution. Total users
// counts distinct anonymous ids in the event stream; resolved customers
// are the ones with a link.
func ComputeStats(events []types.Event, sessions []types.Session, links map[string]string) types.IdentityStats {
	anons := make(map[string]struct{})
	for _, ev := range events {
		if ev.AnonymousID != "" {
			anons[ev.AnonymousID] = struct{}{}
		}
	}

	var resolved int64
	for anon := range anons {
		if _, ok := links[anon]; ok {
			resolved++
		}
	}

	stats := types.IdentityStats{
		TotalUsers:        int64(len(anons)),
		ResolvedCustomers: resolved,
		AnonymousUsers:    int64(len(anons)) - resolved,
		TotalEvents:       int64(len(events)),
		TotalSessions:     int64(len(sessions)),
	}
	if stats.TotalUsers > 0 {
		stats.ResolutionRate = float64(stats.ResolvedCustomers) / float64(stats.TotalUsers)
	}
	return stats
}

// RecordStats persists a tenant's identity summary for the stats API.
func (r *Resolver) RecordStats(ctx context.Context, tenant string, stats types.IdentityStats) error {
	return r.store.ReplaceIdentityStats(ctx, tenant, stats)
}

// Stats returns the identity summary recorded by the latest run.
func (r *Resolver) Stats(ctx context.Context, tenant string) (*types.IdentityStats, bool, error) {
	return r.store.IdentityStats(ctx, tenant)
}
