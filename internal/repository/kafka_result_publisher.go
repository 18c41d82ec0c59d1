package repository

import (
	"context"

	"CoordRisk/internal/domain/models"
	domrepo "CoordRisk/internal/domain/repository"
	pkgkafka "CoordRisk/pkg/kafka"
)

type producer interface {
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
	Close() error
}

// KafkaResultPublisher publishes analysis results keyed by market so each market stays on
// one partition.
type KafkaResultPublisher struct {
	producer producer
	topic    string
}

var _ domrepo.ResultPublisher = (*KafkaResultPublisher)(nil)

func NewKafkaResultPublisher(p *pkgkafka.Producer, topic string) *KafkaResultPublisher {
	return &KafkaResultPublisher{producer: p, topic: topic}
}

func (p *KafkaResultPublisher) Publish(ctx context.Context, r *models.AnalysisResult) error {
	return p.PublishBatch(ctx, []*models.AnalysisResult{r})
}

func (p *KafkaResultPublisher) PublishBatch(ctx context.Context, rs []*models.AnalysisResult) error {
	msgs := make([]pkgkafka.Message, 0, len(rs))
	for _, r := range rs {
		if r == nil {
			continue
		}
		m := pkgkafka.Message{Key: []byte(r.Market), Value: r, Headers: map[string]string{"run_id": r.RunID}}
		if r.RequestID != "" {
			m.Headers["trace_id"] = r.RequestID
		}
		msgs = append(msgs, m)
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

func (p *KafkaResultPublisher) Close() error { return p.producer.Close() }

// NopResultPublisher drops results. Used when Kafka is disabled.
type NopResultPublisher struct{}

func (NopResultPublisher) Publish(context.Context, *models.AnalysisResult) error        { return nil }
func (NopResultPublisher) PublishBatch(context.Context, []*models.AnalysisResult) error { return nil }
func (NopResultPublisher) Close() error                                                 { return nil }
