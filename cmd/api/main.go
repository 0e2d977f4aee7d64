// Package main is the entry point for the messaging server.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediocregopher/radix/v3"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/config"
	"github.com/capitalize-ai/messaging-core/internal/delivery"
	"github.com/capitalize-ai/messaging-core/internal/handler"
	"github.com/capitalize-ai/messaging-core/internal/journal"
	"github.com/capitalize-ai/messaging-core/internal/journal/amqp"
	natsclient "github.com/capitalize-ai/messaging-core/internal/nats"
	"github.com/capitalize-ai/messaging-core/internal/presence"
	"github.com/capitalize-ai/messaging-core/internal/realtime"
	"github.com/capitalize-ai/messaging-core/internal/registry"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/internal/store"
	"github.com/capitalize-ai/messaging-core/internal/store/memory"
	"github.com/capitalize-ai/messaging-core/internal/store/mysql"
	"github.com/capitalize-ai/messaging-core/internal/summary"
	"github.com/capitalize-ai/messaging-core/internal/typing"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting messaging server")

	// Initialize tracing if enabled
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "messaging-core", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Storage
	st, err := openStore(cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.Close()

	// Presence mirrors
	mirrors := presence.Mirrors{presence.NewStoreMirror(st)}
	if cfg.RedisAddr != "" {
		pool, err := radix.NewPool("tcp", cfg.RedisAddr, cfg.RedisPoolSize)
		if err != nil {
			log.Fatal("failed to connect redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		defer pool.Close()
		mirrors = append(mirrors, presence.NewRedisMirror(pool, cfg.PresenceTTL))
	}

	// Lifecycle journal
	backend, err := openJournal(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open journal", zap.String("backend", cfg.JournalBackend), zap.Error(err))
	}
	j := journal.New(backend, log)
	defer j.Close()

	// Initialize services
	reg := registry.New()
	maintainer := summary.NewMaintainer(st, log)
	machine := delivery.NewMachine(st, maintainer)
	pipeline := service.NewMessagePipeline(st, reg, machine, maintainer, j, log)
	conversationSvc := service.NewConversationService(st, maintainer, log)
	reconciler := service.NewReconciler(st, machine, maintainer, log)

	if err := j.Consume(ctx, reconciler.Handle); err != nil {
		log.Fatal("failed to start reconciler", zap.Error(err))
	}

	presenceTracker := presence.NewTracker(reg, mirrors, log)
	typingTracker := typing.NewTracker(reg, cfg.TypingTTL)
	dispatcher := realtime.NewDispatcher(pipeline, typingTracker, presenceTracker, cfg.EventTimeout, log)

	// Initialize handlers
	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:          cfg.JWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRequests:  cfg.RateLimitRequests,
		RateLimitWindow:    cfg.RateLimitWindow,
		Health:             handler.NewHealthHandler(st, j),
		Conversations:      handler.NewConversationHandler(conversationSvc, log),
		Messages:           handler.NewMessageHandler(pipeline, conversationSvc, log),
		Socket: handler.NewSocketHandler(handler.SocketConfig{
			JWTSecret:          cfg.JWTSecret,
			OriginPatterns:     cfg.WSAllowedOrigins,
			InsecureSkipVerify: cfg.WSInsecureSkipVerify,
			Session: realtime.Options{
				SendBuffer:      cfg.WSSendBuffer,
				PingInterval:    cfg.WSPingInterval,
				MaxMessageBytes: cfg.WSMaxMessageBytes,
			},
		}, presenceTracker, typingTracker, dispatcher, log),
	}, log)

	// Create HTTP server. WebSocket connections are hijacked, so the
	// write timeout only applies to REST responses.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	// Hijacked sockets are not tracked by Shutdown; cancelling the base
	// context ends their sessions and stops the reconciler.
	stop()

	log.Info("server stopped")
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memory.New(), nil
	case "mysql":
		if cfg.MySQLDSN == "" {
			return nil, fmt.Errorf("MYSQL_DSN is required for the mysql store")
		}
		return mysql.Open(cfg.MySQLDSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func openJournal(ctx context.Context, cfg *config.Config, log *logger.Logger) (journal.Backend, error) {
	switch cfg.JournalBackend {
	case "inprocess":
		return journal.NewInProcess(0), nil
	case "none":
		return journal.Nop{}, nil
	case "nats":
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, err
		}
		backend, err := natsclient.NewJournal(ctx, client)
		if err != nil {
			client.Close()
			return nil, err
		}
		return backend, nil
	case "amqp":
		return amqp.Dial(cfg.AMQPURL, log)
	}
	return nil, fmt.Errorf("unknown journal backend %q", cfg.JournalBackend)
}
