package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/auth"
	"github.com/mahaj/mingle-realtime/pkg/bus"
	"github.com/mahaj/mingle-realtime/pkg/config"
	"github.com/mahaj/mingle-realtime/pkg/db"
	"github.com/mahaj/mingle-realtime/pkg/dispatch"
	"github.com/mahaj/mingle-realtime/pkg/gateway"
	"github.com/mahaj/mingle-realtime/pkg/logging"
	"github.com/mahaj/mingle-realtime/pkg/metrics"
	"github.com/mahaj/mingle-realtime/pkg/presence"
	"github.com/mahaj/mingle-realtime/pkg/rooms"
	"github.com/mahaj/mingle-realtime/pkg/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Log, "gateway")
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := db.NewSession(cfg.Scylla.Hosts, cfg.Scylla.Keyspace, logger)
	if err != nil {
		return err
	}
	defer session.Close()
	records := db.NewStore(session)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	tokens, err := auth.NewManager(cfg.JWT.AccessSecret, cfg.JWT.RefreshSecret, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)
	if err != nil {
		return err
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	router := rooms.NewRouter(logger, m)
	publisher := bus.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	defer publisher.Close()

	subscriber := bus.NewSubscriber(cfg.Kafka.Brokers, cfg.Kafka.Topic, "gateway-"+cfg.InstanceID, logger)

	dispatcher := dispatch.New(dispatch.Config{
		Chats:       records,
		Messages:    records,
		Broadcaster: publisher,
		IDs:         node,
		TypingTTL:   cfg.TypingTTL,
		Logger:      logger,
		Metrics:     m,
	})
	defer dispatcher.Close()

	tracker := presence.NewTracker(
		presence.NewRedisCounter(rdb, cfg.Redis.PresencePrefix),
		gateway.PresenceNotifier(publisher, logger),
		logger, m,
	)
	gw := gateway.New(gateway.Config{
		Verifier:   tokens,
		Router:     router,
		Presence:   tracker,
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    m,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /ws", gateway.NewHandler(ctx, gw, cfg.SendBuffer, logger))
	mux.Handle("GET /metrics", metrics.Handler(reg))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return subscriber.Run(gctx, router)
	})
	g.Go(func() error {
		logger.Info("gateway service starting", "addr", cfg.Addr, "instance", instance)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", cfg.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("gateway shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("gateway stopped", "error", err)
		return err
	}
	return nil
}

