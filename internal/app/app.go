package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/n10l/speechrelay/internal/cleanup"
	"github.com/n10l/speechrelay/internal/eventlog"
	"github.com/n10l/speechrelay/internal/events"
	"github.com/n10l/speechrelay/internal/metrics"
	"github.com/n10l/speechrelay/internal/relay"
	"github.com/n10l/speechrelay/internal/store"
)

type App struct {
	cfg       Config
	logger    zerolog.Logger
	store     store.Transcripts
	closeDB   func()
	eventLog  *eventlog.Logger
	publisher *events.Publisher
	relay     *relay.Relay
	cleanup   *cleanup.Job
}

// OpenStore opens the transcript store named by a DATABASE_URL value. The
// pool is non-nil only for Postgres, which also hosts the event log.
func OpenStore(ctx context.Context, url string) (store.Transcripts, *pgxpool.Pool, func(), error) {
	switch {
	case url == "" || url == "memory:":
		return store.NewMemory(), nil, func() {}, nil
	case strings.HasPrefix(url, "sqlite:"):
		s, err := store.OpenSQLite(ctx, strings.TrimPrefix(url, "sqlite:"))
		if err != nil {
			return nil, nil, nil, err
		}
		return s, nil, func() { s.Close() }, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		s, err := store.OpenPostgres(ctx, url)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Pool(), s.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported DATABASE_URL %q", url)
	}
}

func New(cfg Config, logger zerolog.Logger) (*App, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, pool, closeDB, err := OpenStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var el *eventlog.Logger
	if pool != nil {
		el = eventlog.New(pool)
	}

	m := metrics.DefaultMetrics
	pub := events.New(&events.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		Enabled: cfg.KafkaEnabled,
		NATS: events.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
		},
	}, m, logger.With().Str("component", "events").Logger())

	rcfg := relay.DefaultConfig()
	rcfg.JWTSecret = cfg.JWTSecret
	rcfg.ObserverQueueSize = cfg.ObserverQueueSize
	rcfg.PersistTimeout = cfg.PersistTimeout

	r := relay.New(rcfg, relay.Deps{
		Store:     s,
		Publisher: pub,
		EventLog:  el,
		Metrics:   m,
		Logger:    logger.With().Str("component", "relay").Logger(),
	})

	a := &App{
		cfg:       cfg,
		logger:    logger,
		store:     s,
		closeDB:   closeDB,
		eventLog:  el,
		publisher: pub,
		relay:     r,
	}
	if cfg.CleanupInterval > 0 {
		a.cleanup = cleanup.NewJob(s, cleanup.Options{Apply: cfg.CleanupApply, EventLog: el, Locker: r.Persister()}, logger, cfg.CleanupInterval)
	}
	return a, nil
}

func (a *App) Router() http.Handler {
	return a.relay.Handler()
}

// Start launches background jobs.
func (a *App) Start() {
	if a.cleanup != nil {
		a.cleanup.Start()
	}
}

// Shutdown drains the relay, then stops jobs and closes backends.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.relay.Shutdown(ctx)
	if a.cleanup != nil {
		a.cleanup.Stop()
	}
	return err
}

func (a *App) Close() error {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
	return nil
}
