package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/n10l/speechrelay/internal/store"
)

// Job runs a cleanup pass on an interval inside the server. It runs one pass
// immediately on Start.
type Job struct {
	store    store.Transcripts
	opts     Options
	log      zerolog.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	last Summary
}

// NewJob creates a periodic cleanup job. A zero interval means daily.
func NewJob(s store.Transcripts, opts Options, log zerolog.Logger, interval time.Duration) *Job {
	if interval == 0 {
		interval = 24 * time.Hour
	}
	return &Job{
		store:    s,
		opts:     opts,
		log:      log.With().Str("component", "cleanup").Logger(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background job.
func (j *Job) Start() {
	j.wg.Add(1)
	go j.run()
	j.log.Info().Dur("interval", j.interval).Bool("apply", j.opts.Apply).Msg("cleanup job started")
}

// Stop cancels a pass in progress and waits for it to return. It is safe to
// call more than once.
func (j *Job) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
		j.wg.Wait()
		j.log.Info().Msg("cleanup job stopped")
	})
}

// Last returns the summary of the most recent completed pass.
func (j *Job) Last() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *Job) run() {
	defer j.wg.Done()

	j.pass()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.pass()
		case <-j.stopCh:
			return
		}
	}
}

func (j *Job) pass() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-j.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	sum, err := Run(ctx, j.store, j.opts, j.log)
	if err != nil {
		j.log.Error().Err(err).Int("scanned", sum.Scanned).Msg("cleanup pass failed")
		return
	}
	j.mu.Lock()
	j.last = sum
	j.mu.Unlock()
}
