package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"CoordRisk/internal/domain/models"
	drepo "CoordRisk/internal/domain/repository"
	"CoordRisk/internal/services/vmm"
	pkgkafka "CoordRisk/pkg/kafka"
)

var requestValidator = validator.New()

// KafkaWindowHandler turns window requests from Kafka into published analysis results.
type KafkaWindowHandler struct {
	topic    string
	analyzer *WindowAnalyzer
	metrics  drepo.Metrics
}

func NewKafkaWindowHandler(topic string, analyzer *WindowAnalyzer, metrics drepo.Metrics) *KafkaWindowHandler {
	return &KafkaWindowHandler{topic: topic, analyzer: analyzer, metrics: metrics}
}

func (h *KafkaWindowHandler) Topic() string { return h.topic }

// incoming message schema: {request_id, market, venues, from, to} with RFC3339 times
func (h *KafkaWindowHandler) Handle(ctx context.Context, b []byte) error {
	var req models.WindowRequest
	if err := json.Unmarshal(b, &req); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return pkgkafka.Permanent(fmt.Errorf("decode window request: %w", err))
	}
	if req.RequestID == "" {
		req.RequestID = pkgkafka.TraceIDFrom(ctx)
	}
	if err := requestValidator.StructCtx(ctx, &req); err != nil {
		h.metrics.RecordError("consumer_validation")
		return pkgkafka.Permanent(fmt.Errorf("invalid window request: %w", err))
	}

	_, err := h.analyzer.Analyze(ctx, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, drepo.ErrWindowNotFound), vmm.IsValidationError(err), errors.Is(err, ErrNoWindowStore):
		return pkgkafka.Permanent(err)
	default:
		return err
	}
}

var _ pkgkafka.MessageHandler = (*KafkaWindowHandler)(nil)
