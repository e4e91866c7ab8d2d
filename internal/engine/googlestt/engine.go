// Package googlestt drives Google Cloud Speech-to-Text streaming recognition
// through the capture engine callbacks.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
package googlestt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/n10l/speechrelay/internal/capture"
	"github.com/n10l/speechrelay/internal/engine"
	"github.com/n10l/speechrelay/internal/vocabulary"
)

// Config holds recognition settings.
type Config struct {
	LanguageCode    string
	SampleRateHz    int32
	AudioEncoding   string
	InterimResults  bool
	MaxAlternatives int32
	Model           string
	// Phrases bias recognition toward domain vocabulary.
	Phrases   []string
	StopGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		LanguageCode:    "en-US",
		SampleRateHz:    16000,
		AudioEncoding:   "LINEAR16",
		InterimResults:  true,
		MaxAlternatives: 3,
		Model:           "medical_conversation",
		StopGrace:       3 * time.Second,
	}
}

func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	if v, ok := speechpb.RecognitionConfig_AudioEncoding_value[s]; ok && s != "ENCODING_UNSPECIFIED" {
		return speechpb.RecognitionConfig_AudioEncoding(v)
	}
	return speechpb.RecognitionConfig_LINEAR16
}

// Engine implements capture.Engine with one gRPC stream per run.
type Engine struct {
	client *speech.Client
	cfg    Config
	audio  *engine.Pump
	log    zerolog.Logger

	mu  sync.Mutex
	cur *run
}

type run struct {
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
}

func (r *run) halt(grace time.Duration) {
	r.stopOnce.Do(func() {
		close(r.stop)
		time.AfterFunc(grace, r.cancel)
	})
}

func (r *run) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// New creates the Speech client.
func New(ctx context.Context, cfg Config, audio *engine.Pump, log zerolog.Logger) (*Engine, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultConfig().StopGrace
	}
	return &Engine{client: c, cfg: cfg, audio: audio, log: log}, nil
}

// Close releases the Speech client.
func (e *Engine) Close() error {
	e.Stop()
	return e.client.Close()
}

func (e *Engine) streamingConfig() *speechpb.StreamingRecognizeRequest {
	rc := &speechpb.RecognitionConfig{
		Encoding:        parseAudioEncoding(e.cfg.AudioEncoding),
		SampleRateHertz: e.cfg.SampleRateHz,
		LanguageCode:    e.cfg.LanguageCode,
		MaxAlternatives: e.cfg.MaxAlternatives,
		Model:           e.cfg.Model,
	}
	if len(e.cfg.Phrases) > 0 {
		rc.SpeechContexts = []*speechpb.SpeechContext{{Phrases: e.cfg.Phrases}}
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         rc,
				InterimResults: e.cfg.InterimResults,
			},
		},
	}
}

// Start opens a stream and sends the recognition config.
func (e *Engine) Start(ctx context.Context, h capture.Handler) error {
	e.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := e.client.StreamingRecognize(runCtx)
	if err != nil {
		cancel()
		return &capture.CodeError{Code: codeFor(err), Err: err}
	}
	if err := stream.Send(e.streamingConfig()); err != nil {
		cancel()
		return &capture.CodeError{Code: codeFor(err), Err: err}
	}

	r := &run{cancel: cancel, stop: make(chan struct{})}
	e.mu.Lock()
	e.cur = r
	e.mu.Unlock()

	h.OnStart()
	go e.send(runCtx, r, stream)
	go e.listen(r, stream, h)
	return nil
}

// Stop half-closes the stream so Google flushes final results. The stream is
// cancelled if it has not ended after the grace period.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.cur
	e.cur = nil
	e.mu.Unlock()
	if r != nil {
		r.halt(e.cfg.StopGrace)
	}
	return nil
}

func (e *Engine) send(ctx context.Context, r *run, stream speechpb.Speech_StreamingRecognizeClient) {
	var frames <-chan []byte
	if e.audio != nil {
		frames = e.audio.Frames()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			stream.CloseSend()
			return
		case frame, ok := <-frames:
			if !ok {
				stream.CloseSend()
				return
			}
			err := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: frame},
			})
			if err != nil {
				return
			}
		}
	}
}

func (e *Engine) listen(r *run, stream speechpb.Speech_StreamingRecognizeClient, h capture.Handler) {
	defer func() {
		r.cancel()
		e.mu.Lock()
		if e.cur == r {
			e.cur = nil
		}
		e.mu.Unlock()
		h.OnEnd()
	}()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if r.stopping() {
				return
			}
			code := codeFor(err)
			if code == "" {
				e.log.Info().Err(err).Msg("google stream ended")
				return
			}
			e.log.Warn().Err(err).Str("code", string(code)).Msg("google stream failed")
			h.OnError(code)
			return
		}
		if results := toResults(resp); len(results) > 0 {
			h.OnResult(results)
		}
	}
}

// codeFor maps a gRPC failure to an engine error code. An empty code means
// the stream ended normally, as when the service's duration limit is hit.
func codeFor(err error) capture.ErrorCode {
	switch status.Code(err) {
	case codes.OK, codes.OutOfRange:
		return ""
	case codes.PermissionDenied, codes.Unauthenticated:
		return capture.ErrCodeNotAllowed
	case codes.InvalidArgument, codes.FailedPrecondition:
		return capture.ErrCodeServiceNotAllowed
	case codes.Canceled:
		return capture.ErrCodeAborted
	default:
		return capture.ErrCodeNetwork
	}
}

func toResults(resp *speechpb.StreamingRecognizeResponse) []capture.Result {
	var out []capture.Result
	for _, r := range resp.GetResults() {
		res := capture.Result{IsFinal: r.GetIsFinal()}
		for _, a := range r.GetAlternatives() {
			if a.GetTranscript() == "" {
				continue
			}
			res.Alternatives = append(res.Alternatives, vocabulary.Alternative{
				Text:       a.GetTranscript(),
				Confidence: float64(a.GetConfidence()),
			})
		}
		if len(res.Alternatives) > 0 {
			out = append(out, res)
		}
	}
	return out
}
