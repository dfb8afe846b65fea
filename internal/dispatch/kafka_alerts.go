package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/example/site-logistics/internal/fleet"
)

// KafkaAlertPublisher forwards surfaced alerts to a topic for downstream
// notification services. Writes are asynchronous; failures are logged.
type KafkaAlertPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaAlertPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaAlertPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaAlertPublisher{logger: logger}
	p.writer = &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				p.logger.Error("publish alerts failed", "count", len(msgs), "error", err)
			}
		},
	}
	return p
}

func (p *KafkaAlertPublisher) PublishAlerts(projectID string, alerts []fleet.Alert) {
	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		b, err := json.Marshal(a)
		if err != nil {
			p.logger.Error("encode alert", "alert_id", a.ID, "error", err)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(a.TicketID),
			Value:   b,
			Headers: []kafka.Header{{Key: "project_id", Value: []byte(projectID)}},
		})
	}
	if len(msgs) == 0 {
		return
	}
	if err := p.writer.WriteMessages(context.Background(), msgs...); err != nil {
		p.logger.Error("enqueue alerts failed", "project_id", projectID, "error", err)
	}
}

func (p *KafkaAlertPublisher) Close() error {
	return p.writer.Close()
}
