// Package mock provides a scripted recognizer for demos and tests without
// cloud credentials. It replays utterances as progressive interim results
// followed by a final result carrying competing alternatives, and can be
// told to drop runs or refuse service to exercise the controller.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/n10l/speechrelay/internal/capture"
	"github.com/n10l/speechrelay/internal/vocabulary"
)

// Utterance is one scripted phrase.
type Utterance struct {
	Partials     []string
	Alternatives []vocabulary.Alternative
}

// DefaultUtterances is a short head-to-toe assessment.
var DefaultUtterances = []Utterance{
	{
		Partials: []string{"patient is", "patient is alert", "patient is alert and"},
		Alternatives: []vocabulary.Alternative{
			{Text: "patient is alert and oriented times three", Confidence: 0.91},
			{Text: "patient is a lot and oriented times three", Confidence: 0.93},
		},
	},
	{
		Partials: []string{"BP", "BP is 120"},
		Alternatives: []vocabulary.Alternative{
			{Text: "beef is 120 over 80", Confidence: 0.88},
			{Text: "BP is 120 over 80", Confidence: 0.71},
		},
	},
	{
		Partials: []string{"heart rate", "heart rate 72"},
		Alternatives: []vocabulary.Alternative{
			{Text: "heart rate 72 bpm regular", Confidence: 0.94},
		},
	},
	{
		Partials: []string{"lungs", "lungs clear"},
		Alternatives: []vocabulary.Alternative{
			{Text: "lungs clear to auscultation bilaterally", Confidence: 0.86},
			{Text: "lungs clear to a skull taste in bilaterally", Confidence: 0.87},
		},
	},
	{
		Partials: []string{"pain", "pain three"},
		Alternatives: []vocabulary.Alternative{
			{Text: "pain three out of ten", Confidence: 0.95},
		},
	},
}

// Config scripts the engine's behaviour.
type Config struct {
	Utterances []Utterance
	// Interval is the delay before each interim and final result.
	Interval time.Duration
	// DropAfter ends a run on its own after this many finals. Zero never drops.
	DropAfter int
	// RefuseWith, when set, is reported as an error right after start.
	RefuseWith capture.ErrorCode
	// Loop replays the script indefinitely instead of going quiet at the end.
	Loop bool
}

func DefaultConfig() Config {
	return Config{
		Utterances: DefaultUtterances,
		Interval:   400 * time.Millisecond,
		Loop:       true,
	}
}

// Engine implements capture.Engine.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	next   int
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Engine {
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = DefaultUtterances
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Engine{cfg: cfg}
}

// Start begins a run. A run still in progress is cancelled first.
func (e *Engine) Start(ctx context.Context, h capture.Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	go e.run(runCtx, h, done)
	return nil
}

// Stop ends the current run. The run still reports OnEnd.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

// Wait blocks until the current run has ended.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) run(ctx context.Context, h capture.Handler, done chan struct{}) {
	defer func() {
		e.mu.Lock()
		if e.done == done {
			e.cancel = nil
		}
		e.mu.Unlock()
		close(done)
		h.OnEnd()
	}()

	h.OnStart()
	if e.cfg.RefuseWith != "" {
		h.OnError(e.cfg.RefuseWith)
		return
	}

	finals := 0
	for {
		utt, ok := e.nextUtterance()
		if !ok {
			<-ctx.Done()
			return
		}
		for _, p := range utt.Partials {
			if !e.wait(ctx) {
				return
			}
			h.OnResult([]capture.Result{{
				Alternatives: []vocabulary.Alternative{{Text: p, Confidence: 0.5}},
			}})
		}
		if !e.wait(ctx) {
			return
		}
		h.OnResult([]capture.Result{{IsFinal: true, Alternatives: utt.Alternatives}})

		finals++
		if e.cfg.DropAfter > 0 && finals >= e.cfg.DropAfter {
			return
		}
	}
}

func (e *Engine) nextUtterance() (Utterance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.next >= len(e.cfg.Utterances) {
		if !e.cfg.Loop {
			return Utterance{}, false
		}
		e.next = 0
	}
	u := e.cfg.Utterances[e.next]
	e.next++
	return u, true
}

func (e *Engine) wait(ctx context.Context) bool {
	t := time.NewTimer(e.cfg.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
