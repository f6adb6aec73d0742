package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPortalSyncRelay drains due sync events to the portal.
	TaskPortalSyncRelay = "portal:sync-relay"
)

// SyncRelayPayload carries the reason a relay run was requested.
type SyncRelayPayload struct {
	Trigger     string    `json:"trigger"`
	RequestedAt time.Time `json:"requested_at,omitzero"`
}

// NewSyncRelayTask constructs an Asynq task for the relay.
func NewSyncRelayTask(trigger string, at time.Time) (*asynq.Task, error) {
	if trigger == "" {
		trigger = "manual"
	}
	payload := SyncRelayPayload{Trigger: trigger}
	if !at.IsZero() {
		payload.RequestedAt = at.UTC()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPortalSyncRelay, body, asynq.Queue(QueueDefault)), nil
}
