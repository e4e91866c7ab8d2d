// Package producer connects a capture controller to the relay. Lifecycle
// hooks become relay events, and snapshots are saved over the socket when
// it is up or over HTTP when it is not.
package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/n10l/speechrelay/internal/capture"
	"github.com/n10l/speechrelay/internal/relay"
)

var (
	errDisconnected = errors.New("relay connection lost")
	errQueueFull    = errors.New("outbound queue full")
)

// Config holds relay connection settings.
type Config struct {
	// URL is the relay's base URL, e.g. http://localhost:8080.
	URL   string
	Token string

	QueueSize     int
	WriteTimeout  time.Duration
	HTTPTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:     256,
		WriteTimeout:  10 * time.Second,
		HTTPTimeout:   10 * time.Second,
		ReconnectBase: time.Second,
		ReconnectCap:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = def.HTTPTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = def.ReconnectCap
	}
	return c
}

// backoff doubles from ReconnectBase up to ReconnectCap.
func (c Config) backoff(attempts int) time.Duration {
	d := c.ReconnectBase
	for i := 0; i < attempts && d < c.ReconnectCap; i++ {
		d *= 2
	}
	if d > c.ReconnectCap {
		return c.ReconnectCap
	}
	return d
}

// Options wires a client.
type Options struct {
	Config     Config
	Logger     zerolog.Logger
	HTTPClient *http.Client
	// OnAck, when set, sees every save acknowledgement from the relay.
	OnAck func(relay.SaveAck)
}

type ackResult struct {
	ack relay.SaveAck
	err error
}

// Client keeps one producer connection to the relay open, reconnecting with
// backoff. Events sent while disconnected wait in a bounded queue.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	http   *http.Client
	dialer *websocket.Dialer
	onAck  func(relay.SaveAck)

	out       chan []byte
	connected atomic.Bool

	mu      sync.Mutex
	pending map[string][]chan ackResult
	started map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a client. Call Close to release it.
func New(opts Options) *Client {
	cfg := opts.Config.withDefaults()
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		log:     opts.Logger.With().Str("component", "producer").Logger(),
		http:    hc,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onAck:   opts.OnAck,
		out:     make(chan []byte, cfg.QueueSize),
		pending: make(map[string][]chan ackResult),
		started: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Connected reports whether the relay socket is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close disconnects and stops reconnecting. Queued events are discarded.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// wsURL turns the relay base URL into its WebSocket endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (c *Client) run() {
	defer close(c.done)

	target, err := wsURL(c.cfg.URL)
	if err != nil {
		c.log.Error().Err(err).Msg("relay connection disabled")
		return
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.Token)

	var held []byte
	attempts := 0
	for {
		conn, resp, err := c.dialer.DialContext(c.ctx, target, headers)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			ev := c.log.Warn().Err(err).Int("attempt", attempts+1)
			if resp != nil {
				ev = ev.Int("status", resp.StatusCode)
			}
			ev.Msg("relay dial failed")
			if !c.sleep(c.cfg.backoff(attempts)) {
				return
			}
			attempts++
			continue
		}

		attempts = 0
		c.connected.Store(true)
		c.log.Info().Str("url", target).Msg("connected to relay")

		held, err = c.serve(conn, held)

		c.connected.Store(false)
		c.failPending(errDisconnected)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("relay connection lost, reconnecting")
		if !c.sleep(c.cfg.backoff(0)) {
			return
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// serve writes queued events until the connection fails. A frame whose
// write failed is returned so the next connection sends it first.
func (c *Client) serve(conn *websocket.Conn, held []byte) ([]byte, error) {
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	write := func(msg []byte) error {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, msg)
	}

	if held != nil {
		if err := write(held); err != nil {
			return held, err
		}
	}
	for {
		select {
		case <-c.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil, nil
		case err := <-readErr:
			return nil, err
		case msg := <-c.out:
			if err := write(msg); err != nil {
				return msg, err
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env relay.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.log.Debug().Err(err).Msg("unparseable relay frame")
			continue
		}
		if env.Event != relay.EventSaveAck {
			continue
		}
		var ack relay.SaveAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			c.log.Debug().Err(err).Msg("unparseable save ack")
			continue
		}
		c.deliverAck(ack)
	}
}

func ackKey(sessionID, saveType string) string {
	return sessionID + "|" + saveType
}

func (c *Client) deliverAck(ack relay.SaveAck) {
	if !ack.OK {
		c.log.Warn().Str("sessionId", ack.SessionID).Str("saveType", ack.SaveType).Str("error", ack.Error).Msg("relay could not store transcript")
	}
	if c.onAck != nil {
		c.onAck(ack)
	}

	key := ackKey(ack.SessionID, ack.SaveType)
	c.mu.Lock()
	waiters := c.pending[key]
	var ch chan ackResult
	if len(waiters) > 0 {
		ch = waiters[0]
		if len(waiters) == 1 {
			delete(c.pending, key)
		} else {
			c.pending[key] = waiters[1:]
		}
	}
	c.mu.Unlock()

	if ch != nil {
		ch <- ackResult{ack: ack}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string][]chan ackResult)
	c.mu.Unlock()

	for _, waiters := range pending {
		for _, ch := range waiters {
			ch <- ackResult{err: err}
		}
	}
}

func (c *Client) dropWaiter(key string, ch chan ackResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.pending[key]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.pending, key)
	} else {
		c.pending[key] = waiters
	}
}

// send queues an event without blocking. Hooks run on the controller's
// goroutine, so a full queue drops the event instead of stalling it.
func (c *Client) send(event string, payload relay.SpeechPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	msg, err := json.Marshal(relay.Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	select {
	case c.out <- msg:
		return nil
	default:
		c.log.Warn().Str("event", event).Str("sessionId", payload.SessionID).Msg("outbound queue full, event dropped")
		return errQueueFull
	}
}

// sendAndWait sends a persisting event and waits for the relay's ack.
func (c *Client) sendAndWait(ctx context.Context, event string, payload relay.SpeechPayload) (relay.SaveAck, error) {
	key := ackKey(payload.SessionID, payload.SaveType)
	ch := make(chan ackResult, 1)
	c.mu.Lock()
	c.pending[key] = append(c.pending[key], ch)
	c.mu.Unlock()

	if err := c.send(event, payload); err != nil {
		c.dropWaiter(key, ch)
		return relay.SaveAck{}, err
	}
	select {
	case res := <-ch:
		return res.ack, res.err
	case <-ctx.Done():
		c.dropWaiter(key, ch)
		return relay.SaveAck{}, ctx.Err()
	}
}

func (c *Client) startedAt(sessionID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started[sessionID]
}

func payloadFor(snap capture.Snapshot) relay.SpeechPayload {
	p := relay.SpeechPayload{
		SessionID:         snap.SessionID,
		ProducerID:        snap.ProducerID,
		ChannelID:         snap.ChannelID,
		FinalTranscript:   snap.FinalText,
		InterimTranscript: snap.InterimText,
		IsFinal:           snap.IsFinal,
		Duration:          snap.Duration.Seconds(),
		SaveType:          string(snap.SaveKind),
	}
	if !snap.StartedAt.IsZero() {
		t := snap.StartedAt.UTC()
		p.StartTime = &t
	}
	return p
}

var saveEvents = map[capture.SaveKind]string{
	capture.SaveManual: relay.EventSpeechSave,
	capture.SaveFinal:  relay.EventSpeechStop,
	capture.SaveSubmit: relay.EventSpeechSubmit,
}

// Save implements capture.Saver. Autosaves go over HTTP. Manual, final and
// submit saves go over the socket so observers see them, and fall back to
// HTTP when the socket is down. The merge on the relay is idempotent, so a
// queued frame that is delivered after a fallback does no harm.
func (c *Client) Save(ctx context.Context, snap capture.Snapshot) error {
	payload := payloadFor(snap)
	event, ok := saveEvents[snap.SaveKind]
	if !ok {
		return c.post(ctx, payload)
	}

	if c.Connected() {
		ack, err := c.sendAndWait(ctx, event, payload)
		switch {
		case err == nil && ack.OK:
			return nil
		case err == nil:
			return fmt.Errorf("relay rejected %s save: %s", payload.SaveType, ack.Error)
		case !errors.Is(err, errDisconnected) && !errors.Is(err, errQueueFull):
			return err
		}
		c.log.Info().Err(err).Str("sessionId", payload.SessionID).Msg("saving over http instead")
	}
	return c.post(ctx, payload)
}

func (c *Client) post(ctx context.Context, payload relay.SpeechPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode save: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.URL, "/")+"/api/speech/save", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build save request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post save: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var out struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return fmt.Errorf("save %s: relay returned %d: %s", payload.SaveType, resp.StatusCode, out.Error)
	}
	return nil
}

// Hooks returns controller hooks that relay lifecycle events and then call
// next.
func (c *Client) Hooks(next capture.Hooks) capture.Hooks {
	h := next
	var current capture.SessionInfo

	h.OnStart = func(info capture.SessionInfo) {
		current = info
		now := time.Now().UTC()
		c.mu.Lock()
		c.started = map[string]time.Time{info.SessionID: now}
		c.mu.Unlock()

		c.send(relay.EventSpeechStart, relay.SpeechPayload{
			SessionID:  info.SessionID,
			ProducerID: info.ProducerID,
			ChannelID:  info.ChannelID,
			StartTime:  &now,
		})
		if next.OnStart != nil {
			next.OnStart(info)
		}
	}

	h.OnResult = func(u capture.Update) {
		p := relay.SpeechPayload{
			SessionID:         current.SessionID,
			ProducerID:        current.ProducerID,
			ChannelID:         current.ChannelID,
			FinalTranscript:   u.FinalText,
			InterimTranscript: u.InterimText,
			LatestFinal:       u.LatestFinal,
			LatestInterim:     u.LatestInterim,
			Alternatives:      u.Alternatives,
			IsFinal:           u.IsFinal,
		}
		if t := c.startedAt(current.SessionID); !t.IsZero() {
			p.Duration = time.Since(t).Seconds()
		}
		c.send(relay.EventSpeechRealtime, p)
		if next.OnResult != nil {
			next.OnResult(u)
		}
	}

	// A stop with text is relayed by the final save; an empty one still
	// tells observers the producer stopped.
	h.OnStop = func(snap capture.Snapshot) {
		if snap.FinalText == "" {
			c.send(relay.EventSpeechStop, payloadFor(snap))
		}
		if next.OnStop != nil {
			next.OnStop(snap)
		}
	}
	return h
}
