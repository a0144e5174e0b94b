package tallysync

import (
	"context"
	"time"

	"github.com/mmdatafocus/tally_sync/config"
	"github.com/mmdatafocus/tally_sync/models"
)

// RunEvent is published when a run reaches a terminal state.
type RunEvent struct {
	Type        string           `json:"type"`
	RunId       string           `json:"runId"`
	OwnerId     string           `json:"ownerId"`
	State       models.SyncState `json:"state"`
	FailureCode string           `json:"failureCode,omitempty"`
	DateRange   DateRange        `json:"dateRange"`
	Checkpoint  *time.Time       `json:"checkpoint"`
	Totals      Totals           `json:"totals"`
	Summary     string           `json:"summary"`
	FinishedAt  time.Time        `json:"finishedAt"`
}

const runFinishedEvent = "tally.voucher_sync.finished"

// EventPublisher delivers run events. Publish errors are logged by the caller and never
// change the run outcome.
type EventPublisher interface {
	PublishRunFinished(ctx context.Context, ev RunEvent) error
}

type pubsubPublisher struct {
	topic string
}

// NewPubSubPublisher returns nil when topic is empty so callers can skip publishing.
func NewPubSubPublisher(topic string) EventPublisher {
	if topic == "" {
		return nil
	}
	return &pubsubPublisher{topic: topic}
}

func (p *pubsubPublisher) PublishRunFinished(ctx context.Context, ev RunEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := config.PublishJSON(ctx, p.topic, ev.OwnerId, ev, map[string]string{
		"type":    ev.Type,
		"ownerId": ev.OwnerId,
		"state":   string(ev.State),
	})
	return err
}
