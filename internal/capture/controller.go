package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/n10l/speechrelay/internal/vocabulary"
)

// SessionInfo identifies who is speaking and in which context.
type SessionInfo struct {
	SessionID  string `json:"sessionId"`
	ProducerID string `json:"producerId"`
	ChannelID  string `json:"channelId"`
}

// SaveKind says why a snapshot is being persisted.
type SaveKind string

const (
	SaveAuto   SaveKind = "auto"
	SaveManual SaveKind = "manual"
	SaveFinal  SaveKind = "final"
	SaveSubmit SaveKind = "submit"
)

// Snapshot is a point-in-time copy of the session.
type Snapshot struct {
	SessionInfo
	State             State
	FinalText         string
	InterimText       string
	IsFinal           bool
	SaveKind          SaveKind
	StartedAt         time.Time
	LastActivityAt    time.Time
	Duration          time.Duration
	ReconnectAttempts int
}

// Update is delivered to OnResult after each batch of engine results.
type Update struct {
	FinalText     string
	InterimText   string
	LatestFinal   string
	LatestInterim string
	Alternatives  []vocabulary.Alternative
	IsFinal       bool
}

// Hooks are lifecycle notifications. They run on the controller goroutine, so
// they must return quickly and must not call back into the controller.
type Hooks struct {
	OnStart            func(SessionInfo)
	OnStop             func(Snapshot)
	OnError            func(ErrorCode)
	OnConnectionChange func(ConnectionStatus)
	OnResult           func(Update)
	OnSave             func(Snapshot, error)
}

// Saver persists snapshots. It is called off the controller goroutine.
type Saver interface {
	Save(ctx context.Context, snap Snapshot) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, snap Snapshot) error

func (f SaverFunc) Save(ctx context.Context, snap Snapshot) error { return f(ctx, snap) }

// Config holds controller timings.
type Config struct {
	BackoffBase       time.Duration
	BackoffStep       time.Duration
	BackoffCap        time.Duration
	HeartbeatInterval time.Duration
	IdleThreshold     time.Duration
	AutosaveInterval  time.Duration
	// StopTimeout bounds how long Stop waits for the engine's end callback.
	StopTimeout time.Duration
	SaveTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BackoffBase:       2 * time.Second,
		BackoffStep:       2 * time.Second,
		BackoffCap:        10 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		IdleThreshold:     30 * time.Second,
		AutosaveInterval:  5 * time.Second,
		StopTimeout:       5 * time.Second,
		SaveTimeout:       10 * time.Second,
	}
}

// Backoff returns the restart delay after attempts failed restarts.
func (c Config) Backoff(attempts int) time.Duration {
	d := c.BackoffBase + time.Duration(attempts)*c.BackoffStep
	if d > c.BackoffCap {
		return c.BackoffCap
	}
	return d
}

// Options wires a controller's collaborators. Clock and Scorer default to the
// system clock and the default catalog.
type Options struct {
	Config Config
	Clock  Clock
	Logger zerolog.Logger
	Scorer *vocabulary.Scorer
	Saver  Saver
	Hooks  Hooks
}

// Controller keeps one recognition session alive. All session state is owned
// by a single goroutine that drains an event queue; engine callbacks, timer
// expiries and API calls only enqueue.
type Controller struct {
	engine Engine
	cfg    Config
	clock  Clock
	base   zerolog.Logger
	scorer *vocabulary.Scorer
	saver  Saver
	hooks  Hooks

	queue     *eventQueue
	done      chan struct{}
	closeOnce sync.Once
	saves     sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	// Owned by the loop goroutine.
	log          zerolog.Logger
	state        State
	info         SessionInfo
	startedAt    time.Time
	lastActivity time.Time
	final        string
	interim      string
	lastSaved    string
	attempts     int
	userStopped  bool
	announced    bool
	autoInflight bool
	run          uint64

	restart   task
	heartbeat task
	autosave  task
	stopGrace task
}

// New returns a running controller. Call Close to release it.
func New(engine Engine, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Scorer == nil {
		opts.Scorer = vocabulary.NewScorer(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		engine: engine,
		cfg:    opts.Config,
		clock:  opts.Clock,
		base:   opts.Logger,
		log:    opts.Logger,
		scorer: opts.Scorer,
		saver:  opts.Saver,
		hooks:  opts.Hooks,
		queue:  newEventQueue(),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.loop()
	return c
}

// Start begins a session. A missing session id is generated. It fails with
// ErrAlreadyActive while a session is in progress.
func (c *Controller) Start(ctx context.Context, info SessionInfo) error {
	_, err := c.call(ctx, event{kind: evStart, info: info})
	return err
}

// Stop ends the session at the producer's request. The final snapshot is
// saved and reported through OnStop once the engine has ended.
func (c *Controller) Stop(ctx context.Context) error {
	_, err := c.call(ctx, event{kind: evStop})
	return err
}

// Save persists the current transcript and waits for the outcome.
func (c *Controller) Save(ctx context.Context) error {
	_, err := c.call(ctx, event{kind: evSave, saveKind: SaveManual})
	return err
}

// Submit persists the transcript as final without stopping the session.
func (c *Controller) Submit(ctx context.Context) error {
	_, err := c.call(ctx, event{kind: evSave, saveKind: SaveSubmit})
	return err
}

// Clear discards the transcript of a session that is no longer active.
func (c *Controller) Clear() error {
	_, err := c.call(context.Background(), event{kind: evClear})
	return err
}

func (c *Controller) Snapshot() Snapshot {
	r, _ := c.call(context.Background(), event{kind: evQuery})
	return r.snap
}

func (c *Controller) State() State {
	return c.Snapshot().State
}

// Close stops the engine if needed, cancels all timers and waits for pending
// saves to finish.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.queue.push(event{kind: evClose})
		<-c.done
		c.saves.Wait()
		c.cancel()
	})
	return nil
}

func (c *Controller) call(ctx context.Context, e event) (reply, error) {
	e.reply = make(chan reply, 1)
	if !c.queue.push(e) {
		return reply{}, ErrClosed
	}
	select {
	case r := <-e.reply:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-c.done:
		return reply{}, ErrClosed
	}
}

func (c *Controller) loop() {
	defer close(c.done)
	for range c.queue.ready {
		for _, e := range c.queue.drain() {
			if c.handle(e) {
				return
			}
		}
	}
}

func (c *Controller) handle(e event) bool {
	switch e.kind {
	case evStart:
		e.respond(reply{err: c.start(e.info)})
	case evStop:
		e.respond(reply{err: c.stop()})
	case evSave:
		c.manualSave(e)
	case evClear:
		e.respond(reply{err: c.clear()})
	case evQuery:
		e.respond(reply{snap: c.snapshot("")})
	case evClose:
		c.shutdown()
		e.respond(reply{})
		return true

	case evEngineStart:
		c.engineStarted(e.run)
	case evEngineEnd:
		c.engineEnded(e.run)
	case evEngineError:
		c.engineError(e.run, e.code)
	case evEngineResult:
		c.engineResult(e.run, e.results)

	case evRestartDue:
		c.restartDue(e.run)
	case evHeartbeatDue:
		c.heartbeatDue(e.run)
	case evAutosaveDue:
		c.autosaveDue(e.run)
	case evStopDeadline:
		c.stopDeadline(e.run)
	case evSaveDone:
		c.saveDone(e.snap, e.err)
	}
	return false
}

func (c *Controller) start(info SessionInfo) error {
	switch {
	case c.state.Active():
		return ErrAlreadyActive
	case c.state == StateFatal:
		return ErrFatal
	}
	if info.SessionID == "" {
		info.SessionID = uuid.NewString()
	}

	now := c.clock.Now()
	c.info = info
	c.log = c.base.With().
		Str("sessionId", info.SessionID).
		Str("producerId", info.ProducerID).
		Logger()
	c.startedAt = now
	c.lastActivity = now
	c.final, c.interim, c.lastSaved = "", "", ""
	c.attempts = 0
	c.userStopped = false
	c.announced = false
	c.state = StateStarting

	c.heartbeat.schedule(c.clock, c.cfg.HeartbeatInterval, c.post(evHeartbeatDue))
	c.autosave.schedule(c.clock, c.cfg.AutosaveInterval, c.post(evAutosaveDue))

	c.log.Info().Str("channelId", info.ChannelID).Msg("capture session starting")
	return c.launch()
}

// launch starts a new engine run. Recoverable start failures are routed into
// the reconnect path; fatal ones are returned.
func (c *Controller) launch() error {
	c.run++
	err := c.engine.Start(c.ctx, &engineHandler{queue: c.queue, run: c.run})
	if err == nil {
		return nil
	}
	c.run++

	code := CodeOf(err)
	c.log.Warn().Err(err).Str("code", string(code)).Msg("engine start failed")
	if Classify(code) == ClassFatal {
		c.fail(code)
		return err
	}
	c.reconnect("start failed")
	return nil
}

func (c *Controller) stop() error {
	switch {
	case c.state == StateStopped, c.userStopped:
		return nil
	case !c.state.Active():
		return ErrNotActive
	}

	c.userStopped = true
	c.heartbeat.cancel()
	c.autosave.cancel()

	if c.restart.pending() {
		c.restart.cancel()
		c.finalize()
		return nil
	}
	if err := c.engine.Stop(); err != nil {
		c.log.Warn().Err(err).Msg("engine stop failed")
		c.run++
		c.finalize()
		return nil
	}
	c.stopGrace.schedule(c.clock, c.cfg.StopTimeout, c.post(evStopDeadline))
	return nil
}

func (c *Controller) clear() error {
	if c.state.Active() {
		return ErrAlreadyActive
	}
	c.final, c.interim, c.lastSaved = "", "", ""
	return nil
}

func (c *Controller) manualSave(e event) {
	if c.state == StateIdle {
		e.respond(reply{err: ErrNotActive})
		return
	}
	if strings.TrimSpace(c.final) == "" {
		e.respond(reply{err: ErrEmptyTranscript})
		return
	}
	c.persist(c.snapshot(e.saveKind), e.reply)
}

func (c *Controller) engineStarted(run uint64) {
	if run != c.run || c.userStopped {
		return
	}
	if c.state != StateStarting && c.state != StateReconnecting {
		return
	}

	c.state = StateListening
	c.attempts = 0
	c.lastActivity = c.clock.Now()
	c.log.Info().Msg("engine listening")

	if !c.announced {
		c.announced = true
		if c.hooks.OnStart != nil {
			c.hooks.OnStart(c.info)
		}
	}
	if c.hooks.OnConnectionChange != nil {
		c.hooks.OnConnectionChange(ConnectionConnected)
	}
}

func (c *Controller) engineEnded(run uint64) {
	if run != c.run {
		return
	}
	c.run++

	if c.userStopped {
		c.stopGrace.cancel()
		c.finalize()
		return
	}
	if c.state.Active() {
		c.reconnect("engine ended")
	}
}

func (c *Controller) engineError(run uint64, code ErrorCode) {
	if run != c.run {
		return
	}

	switch Classify(code) {
	case ClassBenign:
		c.log.Debug().Str("code", string(code)).Msg("ignoring engine error")
		return
	case ClassFatal:
		c.fail(code)
		return
	}

	if c.userStopped || !c.state.Active() {
		return
	}
	c.log.Warn().Str("code", string(code)).Msg("recoverable engine error")
	c.abandonRun()
	c.reconnect("engine error " + string(code))
}

func (c *Controller) engineResult(run uint64, results []Result) {
	if run != c.run {
		return
	}
	c.lastActivity = c.clock.Now()

	var upd Update
	var interim strings.Builder
	for _, r := range results {
		if len(r.Alternatives) == 0 {
			continue
		}
		if !r.IsFinal {
			interim.WriteString(r.Alternatives[0].Text)
			continue
		}
		text := strings.TrimSpace(c.scorer.SelectBest(r.Alternatives))
		if text == "" {
			continue
		}
		if c.final == "" {
			c.final = text
		} else {
			c.final += " " + text
		}
		upd.LatestFinal = text
		upd.Alternatives = r.Alternatives
		upd.IsFinal = true
	}
	c.interim = strings.TrimSpace(interim.String())

	upd.FinalText = c.final
	upd.InterimText = c.interim
	upd.LatestInterim = c.interim
	if c.hooks.OnResult != nil {
		c.hooks.OnResult(upd)
	}
}

// reconnect schedules an engine restart unless one is already pending.
func (c *Controller) reconnect(reason string) {
	if c.restart.pending() {
		return
	}
	delay := c.cfg.Backoff(c.attempts)
	c.attempts++
	was := c.state
	c.state = StateReconnecting

	c.log.Info().
		Str("reason", reason).
		Int("attempt", c.attempts).
		Dur("delay", delay).
		Msg("scheduling engine restart")
	c.restart.schedule(c.clock, delay, c.post(evRestartDue))

	if was != StateReconnecting && c.hooks.OnConnectionChange != nil {
		c.hooks.OnConnectionChange(ConnectionReconnecting)
	}
}

func (c *Controller) restartDue(gen uint64) {
	if !c.restart.current(gen) || c.state != StateReconnecting || c.userStopped {
		return
	}
	c.log.Info().Int("attempt", c.attempts).Msg("restarting engine")
	_ = c.launch()
}

func (c *Controller) heartbeatDue(gen uint64) {
	if !c.heartbeat.current(gen) {
		return
	}
	c.heartbeat.schedule(c.clock, c.cfg.HeartbeatInterval, c.post(evHeartbeatDue))

	if c.state != StateListening || c.userStopped {
		return
	}
	now := c.clock.Now()
	idle := now.Sub(c.lastActivity)
	if idle <= c.cfg.IdleThreshold {
		return
	}
	c.log.Warn().Dur("idle", idle).Msg("no recognition activity, cycling engine")
	c.lastActivity = now
	c.abandonRun()
	c.reconnect("idle")
}

func (c *Controller) autosaveDue(gen uint64) {
	if !c.autosave.current(gen) {
		return
	}
	c.autosave.schedule(c.clock, c.cfg.AutosaveInterval, c.post(evAutosaveDue))

	if c.state != StateListening || c.userStopped || c.autoInflight {
		return
	}
	if c.final == "" || c.final == c.lastSaved {
		return
	}
	c.persist(c.snapshot(SaveAuto), nil)
}

func (c *Controller) stopDeadline(gen uint64) {
	if !c.stopGrace.current(gen) || !c.userStopped || c.state == StateStopped {
		return
	}
	c.log.Warn().Dur("timeout", c.cfg.StopTimeout).Msg("engine did not end after stop")
	c.run++
	c.finalize()
}

// abandonRun stops the current engine run and ignores its remaining callbacks.
func (c *Controller) abandonRun() {
	c.run++
	if err := c.engine.Stop(); err != nil {
		c.log.Debug().Err(err).Msg("engine stop failed")
	}
}

func (c *Controller) finalize() {
	c.state = StateStopped
	c.cancelTimers()
	c.interim = ""

	snap := c.snapshot(SaveFinal)
	c.log.Info().
		Int("chars", len(snap.FinalText)).
		Dur("duration", snap.Duration).
		Msg("capture session stopped")
	if snap.FinalText != "" {
		c.persist(snap, nil)
	}
	if c.hooks.OnStop != nil {
		c.hooks.OnStop(snap)
	}
}

func (c *Controller) fail(code ErrorCode) {
	c.state = StateFatal
	c.cancelTimers()
	c.abandonRun()

	c.log.Error().Str("code", string(code)).Msg("engine refused service")
	if c.final != "" && c.final != c.lastSaved {
		c.persist(c.snapshot(SaveFinal), nil)
	}
	if c.hooks.OnError != nil {
		c.hooks.OnError(code)
	}
}

func (c *Controller) shutdown() {
	c.cancelTimers()
	if c.state.Active() {
		c.abandonRun()
	}
	c.queue.close()
}

func (c *Controller) cancelTimers() {
	c.restart.cancel()
	c.heartbeat.cancel()
	c.autosave.cancel()
	c.stopGrace.cancel()
}

// persist saves snap off the loop. The outcome comes back as an evSaveDone
// event and, for API calls, on reply.
func (c *Controller) persist(snap Snapshot, r chan reply) {
	if c.saver == nil {
		c.lastSaved = snap.FinalText
		if r != nil {
			r <- reply{}
		}
		return
	}
	if snap.SaveKind == SaveAuto {
		c.autoInflight = true
	}

	c.saves.Add(1)
	go func() {
		defer c.saves.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SaveTimeout)
		err := c.saver.Save(ctx, snap)
		cancel()
		c.queue.push(event{kind: evSaveDone, snap: snap, err: err})
		if r != nil {
			r <- reply{err: err}
		}
	}()
}

func (c *Controller) saveDone(snap Snapshot, err error) {
	if snap.SaveKind == SaveAuto {
		c.autoInflight = false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("kind", string(snap.SaveKind)).Msg("transcript save failed")
	} else if snap.SessionID == c.info.SessionID {
		c.lastSaved = snap.FinalText
	}
	if c.hooks.OnSave != nil {
		c.hooks.OnSave(snap, err)
	}
}

func (c *Controller) snapshot(kind SaveKind) Snapshot {
	s := Snapshot{
		SessionInfo:       c.info,
		State:             c.state,
		FinalText:         c.final,
		InterimText:       c.interim,
		IsFinal:           kind == SaveFinal || kind == SaveSubmit,
		SaveKind:          kind,
		StartedAt:         c.startedAt,
		LastActivityAt:    c.lastActivity,
		ReconnectAttempts: c.attempts,
	}
	if !c.startedAt.IsZero() {
		s.Duration = c.clock.Now().Sub(c.startedAt)
	}
	return s
}

func (c *Controller) post(kind eventKind) func(gen uint64) {
	return func(gen uint64) {
		c.queue.push(event{kind: kind, run: gen})
	}
}
