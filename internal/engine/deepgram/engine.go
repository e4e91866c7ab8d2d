// Package deepgram streams audio to Deepgram's live transcription API and
// reports results through the capture engine callbacks.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/n10l/speechrelay/internal/capture"
	"github.com/n10l/speechrelay/internal/engine"
	"github.com/n10l/speechrelay/internal/vocabulary"
)

const defaultURL = "wss://api.deepgram.com/v1/listen"

// Config holds connection and recognition settings.
type Config struct {
	APIKey       string
	URL          string
	Model        string // e.g. "nova-2-medical"
	Language     string
	Encoding     string // e.g. "linear16"
	SampleRate   int
	Channels     int
	Alternatives int
	Punctuate    bool
	Endpointing  int // milliseconds of silence, 0 for default
	Keywords     []string
	// KeepAlive is how often a keep-alive frame is sent while no audio flows.
	KeepAlive time.Duration
	// StopGrace bounds how long Stop waits for Deepgram to flush and close.
	StopGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:          defaultURL,
		Model:        "nova-2-medical",
		Language:     "en-US",
		Encoding:     "linear16",
		SampleRate:   16000,
		Channels:     1,
		Alternatives: 3,
		Punctuate:    true,
		KeepAlive:    5 * time.Second,
		StopGrace:    3 * time.Second,
	}
}

// response is a Deepgram streaming message.
type response struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool `json:"is_final"`
}

// Engine implements capture.Engine over one websocket per run.
type Engine struct {
	cfg    Config
	audio  *engine.Pump
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu  sync.Mutex
	cur *run
}

type run struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	done     chan struct{}
	stopping atomic.Bool
}

// New returns an engine that streams frames from audio. A nil pump streams
// nothing, which is useful only against a test server.
func New(cfg Config, audio *engine.Pump, log zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	return &Engine{
		cfg:    cfg,
		audio:  audio,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log,
	}
}

func (e *Engine) listenURL() string {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("model", e.cfg.Model)
	set("language", e.cfg.Language)
	set("encoding", e.cfg.Encoding)
	if e.cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(e.cfg.SampleRate))
	}
	if e.cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(e.cfg.Channels))
	}
	if e.cfg.Alternatives > 1 {
		q.Set("alternatives", strconv.Itoa(e.cfg.Alternatives))
	}
	if e.cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(e.cfg.Endpointing))
	}
	q.Set("punctuate", strconv.FormatBool(e.cfg.Punctuate))
	q.Set("interim_results", "true")
	for _, k := range e.cfg.Keywords {
		q.Add("keywords", k)
	}
	return e.cfg.URL + "?" + q.Encode()
}

// Start dials Deepgram and begins streaming. Authentication failures are
// reported as not-allowed so the controller does not retry them.
func (e *Engine) Start(ctx context.Context, h capture.Handler) error {
	e.Stop()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+e.cfg.APIKey)

	conn, resp, err := e.dialer.DialContext(ctx, e.listenURL(), headers)
	if err != nil {
		code := capture.ErrCodeNetwork
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			code = capture.ErrCodeNotAllowed
		}
		return &capture.CodeError{Code: code, Err: fmt.Errorf("connect to deepgram: %w", err)}
	}

	r := &run{conn: conn, done: make(chan struct{})}
	e.mu.Lock()
	e.cur = r
	e.mu.Unlock()

	h.OnStart()
	go e.readLoop(r, h)
	go e.sendLoop(r)
	return nil
}

// Stop asks Deepgram to flush pending results and close the stream.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.cur
	e.cur = nil
	e.mu.Unlock()
	if r == nil {
		return nil
	}

	r.stopping.Store(true)
	err := r.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	time.AfterFunc(e.cfg.StopGrace, func() { r.conn.Close() })
	return err
}

func (r *run) write(kind int, data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(kind, data)
}

func (e *Engine) readLoop(r *run, h capture.Handler) {
	defer func() {
		close(r.done)
		r.conn.Close()
		e.mu.Lock()
		if e.cur == r {
			e.cur = nil
		}
		e.mu.Unlock()
		h.OnEnd()
	}()

	for {
		_, msg, err := r.conn.ReadMessage()
		if err != nil {
			if !r.stopping.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				e.log.Warn().Err(err).Msg("deepgram stream failed")
				h.OnError(capture.ErrCodeNetwork)
			}
			return
		}

		var resp response
		if err := json.Unmarshal(msg, &resp); err != nil {
			e.log.Debug().Err(err).Msg("deepgram: unparseable message")
			continue
		}
		if resp.Type != "Results" {
			continue
		}
		if res, ok := toResult(resp); ok {
			h.OnResult([]capture.Result{res})
		}
	}
}

func (e *Engine) sendLoop(r *run) {
	var frames <-chan []byte
	if e.audio != nil {
		frames = e.audio.Frames()
	}
	keepAlive := time.NewTicker(e.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.done:
			return
		case frame, ok := <-frames:
			if !ok {
				// Audio exhausted: let Deepgram flush and close.
				r.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
				return
			}
			if err := r.write(websocket.BinaryMessage, frame); err != nil {
				return
			}
			keepAlive.Reset(e.cfg.KeepAlive)
		case <-keepAlive.C:
			if err := r.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

func toResult(resp response) (capture.Result, bool) {
	res := capture.Result{IsFinal: resp.IsFinal}
	for _, a := range resp.Channel.Alternatives {
		if a.Transcript == "" {
			continue
		}
		res.Alternatives = append(res.Alternatives, vocabulary.Alternative{
			Text:       a.Transcript,
			Confidence: a.Confidence,
		})
	}
	return res, len(res.Alternatives) > 0
}
