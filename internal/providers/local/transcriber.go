package local

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/ports"
	"github.com/stouffer-labs/topside/internal/provider"
)

// STTConfig tunes the on-device transcription pipeline.
type STTConfig struct {
	// EnergyThreshold is normalized RMS amplitude in [0,1]; chunks below
	// it never reach the recognizer unless they fall inside the
	// trailing-silence window after speech.
	EnergyThreshold float64
	// TrailingChunks is how many sub-threshold chunks are kept after the
	// last above-threshold chunk, so the model can close out a sentence.
	TrailingChunks int
	InferInterval  time.Duration
	MinBuffer      time.Duration
	DrainTimeout   time.Duration
}

// basePrompt biases the decoder toward the utterance shapes this app
// sees, without constraining content.
const basePrompt = "Short spoken requests about the visible screen, such as: " +
	"what's going on in this window, draft a reply, summarize this page, " +
	"find files bigger than a gig, explain this error."

// hallucinations are filler outputs small models emit on near-silence.
var hallucinations = map[string]struct{}{
	"you": {}, "i": {}, "he": {}, "she": {}, "it": {}, "we": {}, "they": {},
	"the": {}, "so": {}, "uh": {}, "um": {}, "yeah": {}, "okay": {}, "bye": {},
	"thank you": {}, "thanks": {}, "thank you for watching": {},
	"thanks for watching": {}, "[music]": {}, "[blank_audio]": {},
	"subtitles by the amara.org community": {},
}

// Transcriber implements provider.TranscriptionProvider on top of the
// native inference engine.
type Transcriber struct {
	engine ports.InferenceEngine
	cfg    STTConfig
	log    *log.Logger
}

// TranscriberDescriptor is the static backend metadata.
func TranscriberDescriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:           "local",
		Label:        "On-device",
		Models:       []string{"whisper-small", "whisper-base"},
		DefaultModel: "whisper-small",
	}
}

func NewTranscriber(engine ports.InferenceEngine, cfg STTConfig, logger *log.Logger) *Transcriber {
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = 0.012
	}
	if cfg.TrailingChunks <= 0 {
		cfg.TrailingChunks = 10
	}
	if cfg.InferInterval <= 0 {
		cfg.InferInterval = 1500 * time.Millisecond
	}
	if cfg.MinBuffer <= 0 {
		cfg.MinBuffer = 1500 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Transcriber{engine: engine, cfg: cfg, log: logger}
}

func (t *Transcriber) Close() error { return nil }

func (t *Transcriber) Start(ctx context.Context, streamCfg provider.StreamConfig) (provider.TranscriptionSession, error) {
	if t.engine == nil {
		return nil, provider.Errorf(provider.KindUnknown, "no inference engine available")
	}
	sampleRate := streamCfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &localSession{
		engine:     t.engine,
		cfg:        t.cfg,
		log:        t.log,
		sampleRate: sampleRate,
		minBytes:   bytesForDuration(t.cfg.MinBuffer, sampleRate),
		events:     make(chan domain.TranscriptEvent, 16),
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
		inflight:   make(chan struct{}, 1),
		cancel:     cancel,
	}
	go s.loop(sessCtx)
	return s, nil
}

type localSession struct {
	engine     ports.InferenceEngine
	cfg        STTConfig
	log        *log.Logger
	sampleRate int
	minBytes   int

	mu          sync.Mutex
	buf         []byte
	hasSpeech   bool
	trailing    int
	lastSegment string
	nextSegID   int
	closed      bool

	inflight chan struct{}

	events chan domain.TranscriptEvent
	done   chan struct{}
	stop   chan struct{}
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error

	stopOnce  sync.Once
	closeOnce sync.Once
}

// SendAudio gates one ~50ms PCM chunk on RMS energy before buffering.
func (s *localSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}

	if rmsAmplitude(chunk) >= s.cfg.EnergyThreshold {
		s.buf = append(s.buf, chunk...)
		s.hasSpeech = true
		s.trailing = s.cfg.TrailingChunks
		return nil
	}
	if s.trailing > 0 {
		// Trailing silence is kept so the recognizer sees a clean end of
		// sentence instead of a mid-word cut.
		s.buf = append(s.buf, chunk...)
		s.trailing--
	}
	return nil
}

func (s *localSession) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *localSession) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.InferInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runPass(ctx, false)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runPass transcribes the entire accumulated buffer in one inference
// call, then clears it. Buffers that never crossed the energy threshold
// are discarded without a model call.
func (s *localSession) runPass(ctx context.Context, final bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.hasSpeech {
		s.buf = nil
		s.trailing = 0
		s.mu.Unlock()
		return
	}
	if !final && len(s.buf) < s.minBytes {
		s.mu.Unlock()
		return
	}
	audio := s.buf
	hint := basePrompt
	if s.lastSegment != "" {
		hint = basePrompt + " " + s.lastSegment
	}
	s.buf = nil
	s.hasSpeech = false
	s.trailing = 0
	s.mu.Unlock()

	select {
	case s.inflight <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.inflight }()

	text, err := s.engine.Transcribe(ctx, audio, s.sampleRate, hint)
	if err != nil {
		if final {
			s.setErr(provider.NewError(provider.ClassifyMessage(err.Error()), err))
		} else {
			s.log.Warn("speech inference pass failed", "err", err)
		}
		return
	}

	text = strings.TrimSpace(text)
	if isHallucination(text) {
		s.log.Debug("discarded transcription output", "text", text)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastSegment = text
	s.nextSegID++
	s.mu.Unlock()

	// Emission happens while the inflight token is held, so finish
	// cannot close the channel underneath it.
	s.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: text}
}

// Drain waits for any in-flight inference (bounded), forces a last pass
// over whatever audio is still buffered, and closes the event stream.
func (s *localSession) Drain(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	wait := time.NewTimer(s.cfg.DrainTimeout)
	defer wait.Stop()
	select {
	case s.inflight <- struct{}{}:
		<-s.inflight
	case <-wait.C:
		// Best-effort: proceed even if inference is wedged.
	case <-ctx.Done():
	}

	s.runPass(ctx, true)
	s.finish()
	return s.Err()
}

func (s *localSession) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.cancel()
	s.finish()
	return s.Err()
}

func (s *localSession) finish() {
	s.closeOnce.Do(func() {
		wait := time.NewTimer(s.cfg.DrainTimeout)
		defer wait.Stop()
		select {
		case s.inflight <- struct{}{}:
			defer func() { <-s.inflight }()
		case <-wait.C:
		}

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		close(s.events)
		close(s.done)
	})
}

func (s *localSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *localSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// rmsAmplitude computes normalized root-mean-square amplitude of
// little-endian 16-bit PCM mono samples.
func rmsAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		v := float64(sample) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func bytesForDuration(d time.Duration, sampleRate int) int {
	samples := int(d.Seconds() * float64(sampleRate))
	return samples * 2
}

func isHallucination(text string) bool {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) <= 1 {
		return true
	}
	normalized := strings.ToLower(strings.TrimRight(trimmed, ".!?,"))
	_, ok := hallucinations[normalized]
	return ok
}
