package browserpool

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// LifecycleEvent is the small JSON record published for slot lifecycle
// transitions (SPEC_FULL.md §4.I). The adapter publishes created,
// terminated and crash_restarted events; leased, extended and expired
// are defined below but nothing publishes them.
type LifecycleEvent struct {
	Kind          string    `json:"kind"`
	SlotID        int       `json:"slot_id"`
	DebuggingPort int       `json:"debugging_port,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	At            time.Time `json:"at"`
}

const (
	EventCreated        = "created"
	EventLeased         = "leased"
	EventExtended       = "extended"
	EventExpired        = "expired"
	EventTerminated     = "terminated"
	EventCrashRestarted = "crash_restarted"
)

// EventPublisher fires lifecycle events at an optional side channel.
// Publish failures are logged and otherwise ignored — the event stream
// is observability, never a correctness dependency.
type EventPublisher interface {
	Publish(evt LifecycleEvent)
	Close() error
}

// noopPublisher is used when KAFKA_BROKERS is unset.
type noopPublisher struct{}

func (noopPublisher) Publish(LifecycleEvent) {}
func (noopPublisher) Close() error           { return nil }

// NewEventPublisher returns a no-op publisher when brokers is empty,
// otherwise a kafka-go writer targeting the browserpool.lifecycle topic.
func NewEventPublisher(brokers string, log *zap.Logger) EventPublisher {
	if strings.TrimSpace(brokers) == "" {
		return noopPublisher{}
	}
	return &kafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        "browserpool.lifecycle",
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: 2 * time.Second,
			Async:        true,
		},
		log: log,
	}
}

type kafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func (p *kafkaPublisher) Publish(evt LifecycleEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		p.log.Warn("browserpool: lifecycle event marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Value: body}); err != nil {
		p.log.Debug("browserpool: lifecycle event publish failed", zap.Error(err))
	}
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}
