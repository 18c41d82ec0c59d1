package kafka

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type producerMetrics struct {
	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type consumerMetrics struct {
	handled    *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	latency    *prometheus.HistogramVec
	dlq        *prometheus.CounterVec
}

// register returns the already registered collector when one with the same descriptor
// exists, so several producers can share a registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func newProducerMetrics(reg prometheus.Registerer) *producerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &producerMetrics{
		messages: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordrisk_kafka_producer_messages_total",
			Help: "Messages published to Kafka",
		}, []string{"topic", "result"})),
		bytes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordrisk_kafka_producer_bytes_total",
			Help: "Payload bytes published",
		}, []string{"topic"})),
		latency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coordrisk_kafka_producer_publish_seconds",
			Help:    "Publish latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"})),
	}
}

func newConsumerMetrics(reg prometheus.Registerer) *consumerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &consumerMetrics{
		handled: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordrisk_kafka_consumer_messages_total",
			Help: "Messages handled by the consumer",
		}, []string{"topic", "result"})),
		queueDepth: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordrisk_kafka_consumer_queue_depth",
			Help: "Messages waiting for a worker",
		}, []string{"topic"})),
		latency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coordrisk_kafka_consumer_handle_seconds",
			Help:    "Handling time per message including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"})),
		dlq: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordrisk_kafka_consumer_dlq_total",
			Help: "Messages routed to the dead letter topic",
		}, []string{"topic"})),
	}
}
