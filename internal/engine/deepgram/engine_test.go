package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/n10l/speechrelay/internal/capture"
)

type handler struct {
	mu      sync.Mutex
	results []capture.Result
	errs    []capture.ErrorCode
	started bool
	ended   chan struct{}
}

func newHandler() *handler { return &handler{ended: make(chan struct{})} }

func (h *handler) OnStart() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
}

func (h *handler) OnEnd() { close(h.ended) }

func (h *handler) OnError(code capture.ErrorCode) {
	h.mu.Lock()
	h.errs = append(h.errs, code)
	h.mu.Unlock()
}

func (h *handler) OnResult(rs []capture.Result) {
	h.mu.Lock()
	h.results = append(h.results, rs...)
	h.mu.Unlock()
}

func (h *handler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end")
	}
}

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestEngine_StreamsResults(t *testing.T) {
	var mu sync.Mutex
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"BP","confidence":0.5}]}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"beef is 120","confidence":0.9},{"transcript":"BP is 120","confidence":0.4}]}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "secret"
	cfg.URL = wsURL(srv)
	e := New(cfg, nil, zerolog.Nop())

	h := newHandler()
	if err := e.Start(context.Background(), h); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.wait(t)

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Token secret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Token secret")
	}
	if !strings.Contains(gotQuery, "alternatives=3") || !strings.Contains(gotQuery, "interim_results=true") {
		t.Errorf("query = %q", gotQuery)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		t.Error("OnStart not called")
	}
	if len(h.errs) != 0 {
		t.Errorf("errors = %v, want none after normal close", h.errs)
	}
	if len(h.results) != 2 {
		t.Fatalf("results = %d, want 2", len(h.results))
	}
	if h.results[0].IsFinal {
		t.Error("first result should be interim")
	}
	final := h.results[1]
	if !final.IsFinal || len(final.Alternatives) != 2 || final.Alternatives[1].Text != "BP is 120" {
		t.Errorf("final result = %+v", final)
	}
}

func TestEngine_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(srv)
	e := New(cfg, nil, zerolog.Nop())

	err := e.Start(context.Background(), newHandler())
	var ce *capture.CodeError
	if !errors.As(err, &ce) {
		t.Fatalf("Start error = %v, want CodeError", err)
	}
	if ce.Code != capture.ErrCodeNotAllowed {
		t.Errorf("code = %q, want not-allowed", ce.Code)
	}
}

func TestEngine_DropReportsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(srv)
	e := New(cfg, nil, zerolog.Nop())

	h := newHandler()
	if err := e.Start(context.Background(), h); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.wait(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) != 1 || h.errs[0] != capture.ErrCodeNetwork {
		t.Errorf("errors = %v, want [network]", h.errs)
	}
}

func TestEngine_StopIsQuiet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(msg), "CloseStream") {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(srv)
	e := New(cfg, nil, zerolog.Nop())

	h := newHandler()
	if err := e.Start(context.Background(), h); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	h.wait(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) != 0 {
		t.Errorf("errors after Stop = %v, want none", h.errs)
	}
}
