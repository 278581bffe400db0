package session

import (
	"github.com/stratalabs/strata/internal/model"
	"github.com/stratalabs/strata/internal/union"
	"github.com/stratalabs/strata/pkg/types"
)

// FromRows converts hydrated events-model rows into typed events. Cell
// names follow the events master model's declared columns; missing or
// NULL cells become zero values, never errors.
func FromRows(tenant string, rows []union.Row) []types.Event {
	events := make([]types.Event, 0, len(rows))
	for _, row := range rows {
		ev := types.Event{
			TenantSlug:     tenant,
			EventID:        row.Text("event_id"),
			EventName:      row.Text("event_name"),
			AnonymousID:    row.Text("anonymous_id"),
			UserID:         row.Text("user_id"),
			SessionID:      row.Text("session_id"),
			PageLocation:   row.Text("page_location"),
			UTMSource:      row.Text("utm_source"),
			UTMMedium:      row.Text("utm_medium"),
			UTMCampaign:    row.Text("utm_campaign"),
			Country:        row.Text("country"),
			DeviceCategory: row.Text("device_category"),
			Payload:        row.Payload,
		}
		if ts, ok := row.Time("event_timestamp"); ok {
			ev.EventTimestamp = ts
		}
		if ev.TenantSlug == "" {
			ev.TenantSlug = row.Text(model.ColTenantSlug)
		}
		events = append(events, ev)
	}
	return events
}
