package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blockrelay/blockrelay/internal/admin"
	"github.com/blockrelay/blockrelay/internal/auth"
	"github.com/blockrelay/blockrelay/internal/config"
	"github.com/blockrelay/blockrelay/internal/db"
	"github.com/blockrelay/blockrelay/internal/delivery"
	"github.com/blockrelay/blockrelay/internal/dlq"
	"github.com/blockrelay/blockrelay/internal/ingest"
	"github.com/blockrelay/blockrelay/internal/logging"
	"github.com/blockrelay/blockrelay/internal/metrics"
	"github.com/blockrelay/blockrelay/internal/processor"
	"github.com/blockrelay/blockrelay/internal/queue"
	"github.com/blockrelay/blockrelay/internal/sender"
	"github.com/blockrelay/blockrelay/internal/store"
	"github.com/blockrelay/blockrelay/internal/tracker"
	"github.com/blockrelay/blockrelay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	// Initialize structured logging
	logger := logging.New("blockrelay-relay")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "blockrelay-relay")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Pipeline wiring: store-backed config provider, durable dead letters,
	// bounded worker queue, processor on top.
	webhooks := store.New(pool)
	deadLetters := dlq.New(dlq.NewPostgresStore(pool), logging.New("blockrelay-dlq"))
	trk := tracker.New(cfg.Relay.TrackerWindow)
	snd := sender.New(sender.WithSignatureHeaders(cfg.Relay.SignatureHeader, cfg.Relay.TimestampHeader))
	q := queue.New(queue.Options{
		MaxConcurrent: cfg.Relay.MaxConcurrentDeliveries,
		BaseDelay:     cfg.Relay.DefaultRetryBaseDelay,
		BackoffCap:    cfg.Relay.BackoffCap,
		JitterPercent: cfg.Relay.JitterPercent,
		Logger:        logging.New("blockrelay-queue"),
	})
	proc := processor.New(q, snd, trk, deadLetters, webhooks, logging.New("blockrelay-processor"))
	fanout := ingest.New(webhooks, proc, cfg.Relay.DefaultMaxAttempts, logging.New("blockrelay-ingest"))

	// Admin HTTP (health, metrics, stats, DLQ replay)
	var validator *auth.JWTValidator
	if cfg.Admin.JWTPublicKey != "" {
		validator, err = auth.NewJWTValidator(cfg.Admin.JWTPublicKey, cfg.Admin.JWTIssuer, cfg.Admin.JWTAudience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("admin JWT validator init failed")
		}
	}
	mux := admin.NewMux(proc, trk, deadLetters, pool, reg, validator, logging.New("blockrelay-admin"))
	httpSrv := &http.Server{Addr: cfg.Admin.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("admin HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("admin HTTP server failed")
		}
	}()

	// NSQ consumer: decoded chain events in, deliveries out
	conf := nsq.NewConfig()
	conf.MaxInFlight = 1000
	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.RelayChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var ev delivery.ChainEvent
		if err := json.Unmarshal(m.Body, &ev); err != nil {
			logger.Plain().WithError(err).Error("bad event payload")
			return nil // terminal: don't retry undecodable events
		}
		minted, err := fanout.HandleEvent(ctx, ev)
		if err != nil {
			logger.Plain().WithEvent(ev.EventName).WithError(err).Error("event fan-out failed")
			return err // requeue: the config store may be back shortly
		}
		logger.Plain().WithEvent(ev.EventName).WithFields(map[string]any{
			"block_number": ev.BlockNumber,
			"deliveries":   minted,
		}).Debug("event fanned out")
		return nil
	}))

	proc.Start()

	// Connecting directly to NSQD forces channel creation, instead of the
	// channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("relay service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down relay service")
	consumer.Stop()
	<-consumer.StopChan
	proc.Stop()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("relay service stopped")
}
