package server

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	xhttp "CoordRisk/pkg/http"
	pkgkafka "CoordRisk/pkg/kafka"
	applogger "CoordRisk/pkg/logger"
)

// App owns the HTTP server, the optional Kafka consumer and everything that must be closed on
// the way out.
type App struct {
	log             *applogger.Logger
	httpServer      *xhttp.Server
	consumer        *pkgkafka.Consumer
	handlers        []pkgkafka.MessageHandler
	closers         []closer
	shutdownTimeout time.Duration
}

type closer struct {
	name string
	fn   func() error
}

// New creates an App. consumer may be nil, in which case handlers are ignored.
func New(l *applogger.Logger, httpServer *xhttp.Server, consumer *pkgkafka.Consumer, handlers ...pkgkafka.MessageHandler) *App {
	if l == nil {
		l = applogger.Nop()
	}
	return &App{
		log:             l,
		httpServer:      httpServer,
		consumer:        consumer,
		handlers:        handlers,
		shutdownTimeout: 15 * time.Second,
	}
}

// OnShutdown registers fn to run after the server and consumer stopped. Closers run in
// reverse registration order.
func (a *App) OnShutdown(name string, fn func() error) {
	if fn != nil {
		a.closers = append(a.closers, closer{name: name, fn: fn})
	}
}

// SetShutdownTimeout bounds the whole shutdown sequence.
func (a *App) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		a.shutdownTimeout = d
	}
}

// HTTP returns the HTTP server.
func (a *App) HTTP() *xhttp.Server { return a.httpServer }

// Run starts every component and blocks until ctx is cancelled, SIGINT/SIGTERM arrives or
// the HTTP listener fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.consumer != nil && len(a.handlers) > 0 {
		topics := make([]string, 0, len(a.handlers))
		for _, h := range a.handlers {
			if err := a.consumer.RegisterHandler(h); err != nil {
				return err
			}
			topics = append(topics, h.Topic())
		}
		if err := a.consumer.Start(ctx); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
		a.log.Info("kafka consumer running", applogger.Strings("topics", topics))
	}

	if err := a.httpServer.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case err := <-a.httpServer.Err():
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops the HTTP server first so no new work arrives, then drains the consumer and
// runs the registered closers.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.httpServer.Stop(ctx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
		errs = append(errs, err)
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.log.Warn("close error", applogger.String("component", c.name), applogger.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}
