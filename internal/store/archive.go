package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CallRecord is the archived account of one call.
type CallRecord struct {
	CallID     string       `json:"call_id"`
	BusinessID string       `json:"business_id,omitempty"`
	Transport  string       `json:"transport"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    time.Time    `json:"ended_at"`
	Turns      []TurnRecord `json:"turns"`
}

// TurnRecord is one exchange as the caller heard it.
type TurnRecord struct {
	User        string    `json:"user"`
	Assistant   string    `json:"assistant,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Key is the object path of the record inside the bucket.
func (r CallRecord) Key() string {
	return fmt.Sprintf("calls/%s/%s.json", r.StartedAt.UTC().Format("2006-01-02"), r.CallID)
}

// ArchiveCall uploads rec as JSON. Calls without any turns are skipped.
func ArchiveCall(ctx context.Context, a Archive, rec CallRecord) error {
	if len(rec.Turns) == 0 {
		return nil
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode call record: %w", err)
	}
	return a.Upload(ctx, rec.Key(), "application/json", data)
}
