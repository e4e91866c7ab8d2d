// Package relay authenticates producers and observers over WebSocket,
// broadcasts each producer's events to every observer in order, and persists
// stop, save and submit snapshots through the transcript merge rule.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/n10l/speechrelay/internal/eventlog"
	"github.com/n10l/speechrelay/internal/events"
	"github.com/n10l/speechrelay/internal/metrics"
	"github.com/n10l/speechrelay/internal/store"
)

type Config struct {
	JWTSecret         string
	ObserverQueueSize int
	PersistTimeout    time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
	MaxMessageBytes   int64
}

func DefaultConfig() Config {
	return Config{
		ObserverQueueSize: 256,
		PersistTimeout:    10 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      25 * time.Second,
		PongWait:          60 * time.Second,
		MaxMessageBytes:   1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ObserverQueueSize <= 0 {
		c.ObserverQueueSize = d.ObserverQueueSize
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	return c
}

// Deps are the collaborators a Relay needs. Publisher and EventLog may be nil.
type Deps struct {
	Store     store.Transcripts
	Publisher *events.Publisher
	EventLog  *eventlog.Logger
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

type Relay struct {
	cfg       Config
	auth      *Authenticator
	registry  *Registry
	persist   *Persister
	store     store.Transcripts
	publisher *events.Publisher
	eventLog  *eventlog.Logger
	metrics   *metrics.Metrics
	log       zerolog.Logger
	upgrader  websocket.Upgrader
	mux       *http.ServeMux
	now       func() time.Time
}

func New(cfg Config, deps Deps) *Relay {
	cfg = cfg.withDefaults()
	m := deps.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	r := &Relay{
		cfg:       cfg,
		auth:      NewAuthenticator(cfg.JWTSecret),
		registry:  NewRegistry(),
		persist:   NewPersister(deps.Store, m, deps.EventLog, deps.Logger),
		store:     deps.Store,
		publisher: deps.Publisher,
		eventLog:  deps.EventLog,
		metrics:   m,
		log:       deps.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
		now: func() time.Time { return time.Now().UTC() },
	}
	r.routes()
	return r
}

// Handler returns the HTTP handler serving the WebSocket endpoint and API.
func (r *Relay) Handler() http.Handler {
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

func (r *Relay) Persister() *Persister {
	return r.persist
}

func (r *Relay) routes() {
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Token checked before the upgrade
	r.mux.HandleFunc("GET /ws", r.handleWS)

	r.mux.HandleFunc("POST /api/speech/save", r.withRole(RoleProducer, r.handleSave))
	r.mux.HandleFunc("GET /api/speech/session/{sessionId}", r.withRole(RoleObserver, r.handleGetSession))

	r.mux.HandleFunc("GET /api/admin/speech", r.withRole(RoleObserver, r.handleAdminList))
	r.mux.HandleFunc("DELETE /api/admin/speech/{id}", r.withRole(RoleObserver, r.handleAdminDelete))
	r.mux.HandleFunc("GET /api/admin/roster", r.withRole(RoleObserver, r.handleRoster))
}

// broadcast queues one event for every observer. Observers whose queue is
// full miss the event.
func (r *Relay) broadcast(event string, data any) {
	msg, err := encode(event, data)
	if err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("broadcast encode failed")
		return
	}
	r.broadcastRaw(event, msg)
}

func (r *Relay) broadcastRaw(event string, msg []byte) {
	for _, o := range r.registry.Observers() {
		r.metrics.ObserverQueues.Observe(float64(o.depth()))
		if !o.enqueue(msg) {
			r.metrics.RecordDropped("queue_full")
			r.log.Warn().Str("observerId", o.id).Str("event", event).Msg("observer queue full, event dropped")
		}
	}
	r.metrics.RecordRelayed(event)
}

// Shutdown stops accepting connections, closes open ones and waits for their
// handlers to finish or ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.registry.StartDraining()
	for _, o := range r.registry.Observers() {
		o.close()
	}
	for _, p := range r.registry.producerSnapshot() {
		p.close()
	}

	done := make(chan struct{})
	go func() {
		r.registry.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Relay) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.registry.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
