package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	applogger "CoordRisk/pkg/logger"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type delivery struct {
	reader messageReader
	msg    kafka.Message
}

type partitionKey struct {
	topic     string
	partition int
}

// Consumer fans fetched messages out to a worker pool. Offsets are committed only after the
// handler succeeds or the message lands on the dead letter topic, so a crash redelivers.
// At most one message per partition is in flight.
type Consumer struct {
	cfg       *ConsumerConfig
	log       *applogger.Logger
	metrics   *consumerMetrics
	newReader func(topic string) messageReader
	dlq       messageWriter
	hook      ConsumerHook

	handlers map[string]MessageHandler
	readers  map[string]messageReader
	queue    chan delivery

	partMu    sync.Mutex
	partLocks map[partitionKey]*sync.Mutex

	cancel    context.CancelFunc
	fetchWG   sync.WaitGroup
	workWG    sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	var dlq messageWriter
	if cfg.DLQTopic != "" {
		dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.Hash{}}
	}
	factory := func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    topic,
			GroupID:  cfg.GroupID,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
		})
	}
	return newConsumer(cfg, factory, dlq), nil
}

func newConsumer(cfg *ConsumerConfig, factory func(string) messageReader, dlq messageWriter) *Consumer {
	l := cfg.Logger
	if l == nil {
		l = applogger.Nop()
	}
	return &Consumer{
		cfg:       cfg,
		log:       l,
		metrics:   newConsumerMetrics(cfg.Registerer),
		newReader: factory,
		dlq:       dlq,
		hook:      NoopHook{},
		handlers:  make(map[string]MessageHandler),
		readers:   make(map[string]messageReader),
		queue:     make(chan delivery, cfg.BufferSize),
		partLocks: make(map[partitionKey]*sync.Mutex),
	}
}

// RegisterHandler registers a handler for its topic. It must be called before Start.
func (c *Consumer) RegisterHandler(handler MessageHandler) error {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		return fmt.Errorf("kafka: handler already registered for topic %s", topic)
	}
	c.handlers[topic] = handler
	return nil
}

// WithConsumerHook sets a hook implementation for lifecycle events.
func (c *Consumer) WithConsumerHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// Start launches one fetch loop per topic and the worker pool. It returns immediately.
func (c *Consumer) Start(ctx context.Context) error {
	if len(c.handlers) == 0 {
		return errors.New("kafka: no handlers registered")
	}
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		for i := 0; i < c.cfg.WorkerCount; i++ {
			c.workWG.Add(1)
			go c.work(ctx)
		}
		for topic := range c.handlers {
			r := c.newReader(topic)
			c.readers[topic] = r
			c.fetchWG.Add(1)
			go c.fetch(ctx, topic, r)
		}
		c.log.Info("kafka consumer started",
			applogger.Int("workers", c.cfg.WorkerCount),
			applogger.Int("topics", len(c.handlers)),
			applogger.String("group", c.cfg.GroupID),
		)
	})
	return nil
}

// Stop cancels fetching, lets workers drain the queue and closes readers. ctx bounds the
// wait.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		done := make(chan struct{})
		go func() {
			c.fetchWG.Wait()
			close(c.queue)
			c.workWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
		}

		for topic, r := range c.readers {
			if err := r.Close(); err != nil {
				c.log.Warn("kafka reader close failed", applogger.String("topic", topic), applogger.Error(err))
			}
		}
		if c.dlq != nil {
			if err := c.dlq.Close(); err != nil {
				c.log.Warn("kafka dlq writer close failed", applogger.Error(err))
			}
		}
		if stopErr == nil {
			c.log.Info("kafka consumer stopped")
		}
	})
	return stopErr
}

func (c *Consumer) fetch(ctx context.Context, topic string, r messageReader) {
	defer c.fetchWG.Done()
	failures := 0
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.log.Warn("kafka fetch failed", applogger.String("topic", topic), applogger.Error(err))
			select {
			case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, failures)):
				continue
			case <-ctx.Done():
				return
			}
		}
		failures = 0
		select {
		case c.queue <- delivery{reader: r, msg: msg}:
			c.metrics.queueDepth.WithLabelValues(topic).Set(float64(len(c.queue)))
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) work(ctx context.Context) {
	defer c.workWG.Done()
	for d := range c.queue {
		c.process(ctx, d)
	}
}

func (c *Consumer) process(ctx context.Context, d delivery) {
	topic := d.msg.Topic
	handler, ok := c.handlers[topic]
	if !ok {
		return
	}
	start := time.Now()
	lock := c.partitionLock(topic, d.msg.Partition)
	lock.Lock()
	defer lock.Unlock()

	// handlers run detached from Stop so an in-flight message finishes
	hctxBase := context.WithoutCancel(ctx)
	var (
		err      error
		attempts int
	)
	for {
		attempts++
		err = c.invoke(hctxBase, handler, d.msg)
		if err == nil || attempts > c.cfg.RetryMax {
			break
		}
		if IsPermanent(err) {
			break
		}
		select {
		case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempts)):
		case <-ctx.Done():
			// leave uncommitted for redelivery
			return
		}
	}

	commit := err == nil
	result := "ok"
	if err != nil {
		result = "error"
		c.log.Error("kafka message failed",
			applogger.String("topic", topic),
			applogger.Int("partition", d.msg.Partition),
			applogger.Int64("offset", d.msg.Offset),
			applogger.Int("attempts", attempts),
			applogger.Error(err),
		)
		if c.dlq != nil {
			if dlqErr := c.deadLetter(hctxBase, d.msg, err); dlqErr != nil {
				c.log.Error("kafka dlq write failed", applogger.String("topic", c.cfg.DLQTopic), applogger.Error(dlqErr))
			} else {
				commit = true
				result = "dlq"
				c.metrics.dlq.WithLabelValues(topic).Inc()
			}
		}
	}
	if commit {
		c.commit(hctxBase, d)
	}
	c.metrics.handled.WithLabelValues(topic, result).Inc()
	c.metrics.latency.WithLabelValues(topic).Observe(time.Since(start).Seconds())
}

func (c *Consumer) invoke(ctx context.Context, handler MessageHandler, km kafka.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler for %s: %v", km.Topic, r)
		}
	}()
	hctx, hmsg, data, err := c.hook.BeforeHandle(ctx, km.Topic, km, km.Value)
	if err != nil {
		return err
	}
	err = handler.Handle(hctx, data)
	c.hook.AfterHandle(hctx, km.Topic, hmsg, data, err)
	if err != nil {
		c.hook.OnError(hctx, km.Topic, hmsg, data, err)
	}
	return err
}

func (c *Consumer) deadLetter(ctx context.Context, km kafka.Message, cause error) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.dlq.WriteMessages(ctx, kafka.Message{
		Topic: c.cfg.DLQTopic,
		Key:   km.Key,
		Value: km.Value,
		Time:  time.Now().UTC(),
		Headers: append(km.Headers,
			kafka.Header{Key: "source_topic", Value: []byte(km.Topic)},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
		),
	})
}

func (c *Consumer) commit(ctx context.Context, d delivery) {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = d.reader.CommitMessages(cctx, d.msg)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.log.Error("kafka commit failed",
		applogger.String("topic", d.msg.Topic),
		applogger.Int64("offset", d.msg.Offset),
		applogger.Error(err),
	)
}

func (c *Consumer) partitionLock(topic string, partition int) *sync.Mutex {
	c.partMu.Lock()
	defer c.partMu.Unlock()
	k := partitionKey{topic, partition}
	l, ok := c.partLocks[k]
	if !ok {
		l = &sync.Mutex{}
		c.partLocks[k] = l
	}
	return l
}

// backoffWithJitter doubles from min per attempt, caps at max and subtracts up to half.
func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	if attempt < 1 {
		attempt = 1
	}
	exp := max
	if attempt < 32 {
		if d := min << uint(attempt-1); d > 0 && d < max {
			exp = d
		}
	}
	half := int64(exp) / 2
	if half <= 0 {
		return exp
	}
	return exp - time.Duration(rand.Int64N(half))
}
