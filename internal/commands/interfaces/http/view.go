package http

import (
	"encoding/json"
	"net/http"
	"time"

	commands "devicelink/internal/commands/domain"
)

// EntryView is the operator view of a queue entry.
type EntryView struct {
	ID        int64           `json:"id"`
	DeviceUID string          `json:"device_uid"`
	Tenant    string          `json:"tenant"`
	Cmd       string          `json:"cmd"`
	Params    json.RawMessage `json:"params,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
	AckedAt   *time.Time      `json:"acked_at,omitempty"`
}

// PollItem is the device view of a delivered command.
type PollItem struct {
	ID     int64           `json:"id"`
	Cmd    string          `json:"cmd"`
	Params json.RawMessage `json:"params,omitempty"`
}

func toView(entry commands.Entry) EntryView {
	return EntryView{
		ID:        entry.ID,
		DeviceUID: entry.DeviceUID,
		Tenant:    entry.Tenant,
		Cmd:       entry.Cmd,
		Params:    entry.Params,
		Status:    string(entry.Status),
		CreatedAt: entry.CreatedAt,
		SentAt:    optionalTime(entry.SentAt),
		AckedAt:   optionalTime(entry.AckedAt),
	}
}

func toViews(entries []commands.Entry) []EntryView {
	out := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toView(entry))
	}
	return out
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
