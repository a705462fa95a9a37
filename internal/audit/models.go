package audit

import (
	"time"

	"github.com/oklog/ulid/v2"

	"caresync/internal/domain"
)

// Actions recorded by the ops API.
const (
	ActionConfigSaved    = "config.saved"
	ActionConfigRejected = "config.rejected"
	ActionRecordDeleted  = "record.deleted"
	ActionQueueFlushed   = "queue.flushed"
	ActionQueueRequeued  = "queue.requeued"
	ActionBackupWritten  = "backup.written"
	ActionBackupFailed   = "backup.failed"
)

// Event is one operator action. It is stored as a record of the audit_logs
// collection so it syncs with the rest of the data.
type Event struct {
	Timestamp time.Time
	Action    string
	Actor     string
	RequestID string
	Subject   string
	Reason    string
}

// Record renders the event with a time-ordered id.
func (e Event) Record() domain.Record {
	rec := domain.Record{
		"id":        ulid.MustNew(ulid.Timestamp(e.Timestamp), ulid.DefaultEntropy()).String(),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"action":    e.Action,
		"actor":     e.Actor,
	}
	if e.RequestID != "" {
		rec["requestId"] = e.RequestID
	}
	if e.Subject != "" {
		rec["subject"] = e.Subject
	}
	if e.Reason != "" {
		rec["reason"] = e.Reason
	}
	return rec
}
