package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/stouffer-labs/topside/internal/ai"
	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/ports"
	"github.com/stouffer-labs/topside/internal/provider"
)

// Config carries the session-level tunables the orchestrator needs.
type Config struct {
	Audio        ports.AudioConfig
	Stream       provider.StreamConfig
	Model        string
	SystemPrompt string

	ChunkSize       int
	CancelGrace     time.Duration
	DrainTimeout    time.Duration
	FlashDuration   time.Duration
	AutoCopyProse   int
	MaxErrorDetail  int
	HistoryDisabled bool
}

// Deps are the collaborators wired in at startup. EventSink, AudioCapture,
// Transcription, AI and Events are required; the rest degrade gracefully
// when nil.
type Deps struct {
	Audio         ports.AudioCapture
	Transcription *provider.Registry[provider.TranscriptionProvider]
	AI            *ai.Client
	Capture       ports.CaptureService
	Windows       ports.WindowService
	Highlight     ports.Highlighter
	History       ports.HistoryStore
	Input         ports.InputListener
	Clipboard     ports.Clipboard
	Secrets       ports.SecretStore
	Events        ports.EventSink
	Logger        *log.Logger
}

// Orchestrator owns the voice-session state machine. All transitions
// happen under mu; every goroutine that awaits something captures the
// epoch first and re-checks it before applying results, so work belonging
// to a cancelled or superseded round lands nowhere.
type Orchestrator struct {
	audio     ports.AudioCapture
	stt       *provider.Registry[provider.TranscriptionProvider]
	ai        *ai.Client
	capture   ports.CaptureService
	windows   ports.WindowService
	highlight ports.Highlighter
	history   ports.HistoryStore
	input     ports.InputListener
	clipboard ports.Clipboard
	secrets   ports.SecretStore
	events    ports.EventSink
	log       *log.Logger
	cfg       Config

	mu         sync.Mutex
	state      domain.SessionState
	epoch      int
	sess       *session
	aiInFlight bool
	finalizing bool
}

// session is the mutable state of one overlay session, possibly spanning
// several recording rounds. Channel fields are replaced on each round;
// snapshot them under the orchestrator mutex before waiting.
type session struct {
	startedAt  time.Time
	messages   []domain.Message
	screenshot *domain.Screenshot
	window     *domain.WindowInfo
	usage      domain.Usage

	round    *round
	roundNum int

	captureDone chan struct{}

	// per-round transcription plumbing
	ready      chan struct{}
	cancel     context.CancelFunc
	stream     provider.TranscriptionSession
	audioSess  ports.AudioSession
	audioDone  chan struct{}
	eventsDone chan struct{}

	teardownOnce sync.Once
}

func New(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		audio:     deps.Audio,
		stt:       deps.Transcription,
		ai:        deps.AI,
		capture:   deps.Capture,
		windows:   deps.Windows,
		highlight: deps.Highlight,
		history:   deps.History,
		input:     deps.Input,
		clipboard: deps.Clipboard,
		secrets:   deps.Secrets,
		events:    deps.Events,
		log:       logger,
		cfg:       cfg,
		state:     domain.SessionStateIdle,
	}
}

// Status reports the current state for the UI.
func (o *Orchestrator) Status() domain.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := domain.Status{State: o.state, Active: o.sess != nil}
	if o.sess != nil {
		status.Round = o.sess.roundNum
	}
	return status
}

// HandleTrigger advances the state machine on a hotkey press: idle starts
// a session, recording finalizes the round, conversing starts the next
// round. Presses while a finalize or AI call is in flight are dropped,
// not queued.
func (o *Orchestrator) HandleTrigger() {
	o.mu.Lock()
	switch o.state {
	case domain.SessionStateIdle:
		o.mu.Unlock()
		o.startSession()
	case domain.SessionStateRecording:
		if o.finalizing {
			o.mu.Unlock()
			return
		}
		o.finalizing = true
		sess, epoch := o.sess, o.epoch
		o.mu.Unlock()
		o.events.FinalizingStarted()
		go o.finalize(sess, epoch)
	case domain.SessionStateConversing:
		if o.aiInFlight || o.finalizing {
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
		o.startRound()
	default:
		// cancelled grace window; ignore
		o.mu.Unlock()
	}
}

func (o *Orchestrator) startSession() {
	o.mu.Lock()
	if o.state != domain.SessionStateIdle {
		o.mu.Unlock()
		return
	}
	o.epoch++
	epoch := o.epoch
	sess := &session{
		startedAt:   time.Now(),
		round:       newRound(1),
		roundNum:    1,
		captureDone: make(chan struct{}),
		ready:       make(chan struct{}),
	}
	o.sess = sess
	o.state = domain.SessionStateRecording
	o.mu.Unlock()

	if o.input != nil {
		o.input.SetSessionActive(true)
	}
	o.events.StateChanged(domain.SessionStateRecording)

	go o.captureContext(sess, epoch)
	go o.startTranscription(sess, epoch)
}

func (o *Orchestrator) startRound() {
	o.mu.Lock()
	if o.state != domain.SessionStateConversing || o.sess == nil {
		o.mu.Unlock()
		return
	}
	o.epoch++
	epoch := o.epoch
	sess := o.sess
	stream, audioSess, cancel := sess.stream, sess.audioSess, sess.cancel
	sess.roundNum++
	sess.round = newRound(sess.roundNum)
	sess.ready = make(chan struct{})
	sess.stream = nil
	sess.audioSess = nil
	sess.cancel = nil
	sess.audioDone = nil
	sess.eventsDone = nil
	o.state = domain.SessionStateRecording
	roundNum := sess.roundNum
	o.mu.Unlock()

	o.releaseRound(stream, audioSess, cancel)
	o.events.NewRoundStarted(roundNum)
	o.events.StateChanged(domain.SessionStateRecording)
	go o.startTranscription(sess, epoch)
}

// startTranscription dials the active speech-to-text provider and begins
// pumping microphone audio into it. sess.ready is closed once the stream
// fields are attached (or the attempt failed) so finalize never races a
// half-started round.
func (o *Orchestrator) startTranscription(sess *session, epoch int) {
	ready := sess.ready
	defer close(ready)

	prov, err := o.stt.Active()
	if err != nil {
		o.failStartup(epoch, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := prov.Start(ctx, o.cfg.Stream)
	if err != nil {
		cancel()
		o.failStartup(epoch, err)
		return
	}

	audioSess, err := o.audio.Start(ctx, o.cfg.Audio)
	if err != nil {
		_ = stream.Close()
		cancel()
		o.failStartup(epoch, err)
		return
	}

	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		_ = audioSess.Stop()
		_ = stream.Close()
		cancel()
		return
	}
	sess.cancel = cancel
	sess.stream = stream
	sess.audioSess = audioSess
	sess.audioDone = make(chan struct{})
	sess.eventsDone = make(chan struct{})
	audioDone, eventsDone := sess.audioDone, sess.eventsDone
	round := sess.round
	o.mu.Unlock()

	go o.pumpAudio(audioSess, stream, audioDone)
	go o.consumeTranscripts(stream, round, eventsDone, epoch)
}

// pumpAudio copies raw PCM from the recorder into the transcription
// stream until either side stops.
func (o *Orchestrator) pumpAudio(src ports.AudioSession, stream provider.TranscriptionSession, done chan struct{}) {
	defer close(done)

	buf := make([]byte, o.cfg.ChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if sendErr := stream.SendAudio(buf[:n]); sendErr != nil {
				o.log.Debug("audio pump stopped", "err", sendErr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				o.log.Debug("audio read ended", "err", err)
			}
			return
		}
	}
}

// consumeTranscripts folds stream events into the round. Events arriving
// after the epoch moved on are drained without effect so the channel
// always empties.
func (o *Orchestrator) consumeTranscripts(stream provider.TranscriptionSession, r *round, done chan struct{}, epoch int) {
	defer close(done)

	for ev := range stream.Events() {
		o.mu.Lock()
		current := epoch == o.epoch
		o.mu.Unlock()
		if !current || ev.Text == "" {
			continue
		}
		switch ev.Kind {
		case domain.TranscriptKindFinal:
			r.addSegment(ev.Text)
			o.events.TranscriptUpdated(r.transcript())
		default:
			r.setPartial(ev.Text)
			o.events.TranscriptUpdated(ev.Text)
		}
	}

	if err := stream.Err(); err != nil {
		o.streamFailed(epoch, err)
	}
}

// finalize stops the round's audio, drains the transcription stream so
// buffered speech still lands, and hands the transcript to the assistant.
// Runs off the lock; every step re-checks the epoch before mutating.
func (o *Orchestrator) finalize(sess *session, epoch int) {
	o.mu.Lock()
	ready, captureDone := sess.ready, sess.captureDone
	o.mu.Unlock()

	<-ready
	<-captureDone

	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		return
	}
	stream, audioSess := sess.stream, sess.audioSess
	audioDone, eventsDone := sess.audioDone, sess.eventsDone
	o.mu.Unlock()

	if audioSess != nil {
		_ = audioSess.Stop()
	}
	if audioDone != nil {
		<-audioDone
	}
	var streamErr error
	if stream != nil {
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), o.cfg.DrainTimeout)
		if err := stream.Drain(drainCtx); err != nil {
			o.log.Warn("transcription drain incomplete", "err", err)
			streamErr = err
		}
		cancelDrain()
		<-eventsDone
		if err := stream.Err(); err != nil {
			streamErr = err
		}
	}

	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		return
	}
	o.finalizing = false
	transcript := sess.round.transcript()
	if transcript == "" {
		o.mu.Unlock()
		o.reportDrainFailure(streamErr)
		o.log.Info("round produced no speech, closing session")
		o.CloseSession()
		return
	}
	sess.messages = append(sess.messages, domain.Message{Role: domain.RoleUser, Content: transcript})
	o.state = domain.SessionStateConversing
	o.aiInFlight = true
	messages := append([]domain.Message(nil), sess.messages...)
	shot, win := sess.screenshot, sess.window
	o.mu.Unlock()

	o.reportDrainFailure(streamErr)
	o.events.TranscriptUpdated(transcript)
	o.events.StateChanged(domain.SessionStateConversing)
	go o.respond(sess, epoch, messages, shot, win)
}

// HandleCancel aborts whatever is in flight. Safe to call repeatedly;
// only the first call during an active session has any effect. The
// cancelled state is transient and resets to idle after a grace delay so
// the UI can show the dismissal.
func (o *Orchestrator) HandleCancel() {
	o.mu.Lock()
	if o.state == domain.SessionStateIdle || o.state == domain.SessionStateCancelled {
		o.mu.Unlock()
		return
	}
	o.epoch++
	o.state = domain.SessionStateCancelled
	o.aiInFlight = false
	o.finalizing = false
	sess := o.sess
	o.mu.Unlock()

	o.teardown(sess)
	o.events.Cancelled()
	o.events.StateChanged(domain.SessionStateCancelled)

	time.AfterFunc(o.cfg.CancelGrace, func() {
		o.mu.Lock()
		if o.state != domain.SessionStateCancelled {
			o.mu.Unlock()
			return
		}
		o.state = domain.SessionStateIdle
		o.sess = nil
		o.mu.Unlock()
		o.events.SessionHidden()
		o.events.StateChanged(domain.SessionStateIdle)
	})
}

// CloseSession ends the session normally: resources released, transcript
// handed to history, overlay hidden. No-op when idle.
func (o *Orchestrator) CloseSession() {
	o.mu.Lock()
	if o.sess == nil {
		o.mu.Unlock()
		return
	}
	o.epoch++
	sess := o.sess
	o.sess = nil
	o.state = domain.SessionStateIdle
	o.aiInFlight = false
	o.finalizing = false
	o.mu.Unlock()

	o.teardown(sess)
	o.saveHistory(sess)
	o.events.SessionHidden()
	o.events.StateChanged(domain.SessionStateIdle)
}

// teardown releases a session's audio and transcription resources. Runs
// exactly once per session regardless of which exit path got there first.
func (o *Orchestrator) teardown(sess *session) {
	if sess == nil {
		return
	}
	sess.teardownOnce.Do(func() {
		o.mu.Lock()
		stream, audioSess, cancel := sess.stream, sess.audioSess, sess.cancel
		o.mu.Unlock()

		if audioSess != nil {
			_ = audioSess.Stop()
		}
		if stream != nil {
			_ = stream.Close()
		}
		if cancel != nil {
			cancel()
		}
		if o.highlight != nil {
			o.highlight.Hide()
		}
		if o.input != nil {
			o.input.SetSessionActive(false)
		}
	})
}

// reportDrainFailure surfaces a transcription error that hit during
// finalize. The round proceeds with whatever transcript was captured;
// credential failures still trigger the refresh path.
func (o *Orchestrator) reportDrainFailure(err error) {
	if err == nil {
		return
	}
	o.log.Error("transcription ended with error", "err", err)
	o.events.ErrorOccurred(domain.ErrorCodeTranscription, o.truncate(err.Error()), o.errorButtons(err))
	o.recoverCredentials(err)
}

// releaseRound stops a single round's capture resources. Used when a
// round is superseded (new round, mid-recording stream failure) while
// the session itself lives on.
func (o *Orchestrator) releaseRound(stream provider.TranscriptionSession, audioSess ports.AudioSession, cancel context.CancelFunc) {
	if audioSess != nil {
		_ = audioSess.Stop()
	}
	if stream != nil {
		_ = stream.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) saveHistory(sess *session) {
	if o.history == nil || o.cfg.HistoryDisabled || len(sess.messages) == 0 {
		return
	}
	record := domain.SessionRecord{
		ID:        uuid.NewString(),
		StartedAt: sess.startedAt,
		Messages:  sess.messages,
		Window:    sess.window,
		Usage:     sess.usage,
	}
	if sess.screenshot != nil {
		record.MediaType = sess.screenshot.MediaType
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := o.history.Save(ctx, record); err != nil {
		o.log.Warn("history save failed", "err", err)
	}
}

// failStartup reports a fatal session-start error and resets to idle.
func (o *Orchestrator) failStartup(epoch int, err error) {
	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		return
	}
	o.epoch++
	sess := o.sess
	o.sess = nil
	o.state = domain.SessionStateIdle
	o.aiInFlight = false
	o.finalizing = false
	o.mu.Unlock()

	o.teardown(sess)
	o.log.Error("session start failed", "err", err)
	o.events.ErrorOccurred(domain.ErrorCodeStartup, o.truncate(err.Error()), o.errorButtons(err))
	o.recoverCredentials(err)
	o.events.SessionHidden()
	o.events.StateChanged(domain.SessionStateIdle)
}

// streamFailed handles a transcription stream dying mid-round. The
// session survives in the conversing state so the user can retry or
// close it.
func (o *Orchestrator) streamFailed(epoch int, err error) {
	o.mu.Lock()
	if epoch != o.epoch || o.state != domain.SessionStateRecording || o.finalizing {
		o.mu.Unlock()
		return
	}
	o.state = domain.SessionStateConversing
	sess := o.sess
	var stream provider.TranscriptionSession
	var audioSess ports.AudioSession
	var cancel context.CancelFunc
	if sess != nil {
		stream, audioSess, cancel = sess.stream, sess.audioSess, sess.cancel
		sess.stream = nil
		sess.audioSess = nil
		sess.cancel = nil
	}
	o.mu.Unlock()

	o.releaseRound(stream, audioSess, cancel)
	o.log.Error("transcription stream failed", "err", err)
	o.events.ErrorOccurred(domain.ErrorCodeTranscription, o.truncate(err.Error()), o.errorButtons(err))
	o.recoverCredentials(err)
	o.events.StateChanged(domain.SessionStateConversing)
}

// recoverCredentials reloads secrets and drops cached clients after a
// credential failure so the next attempt re-resolves from scratch.
func (o *Orchestrator) recoverCredentials(err error) {
	if !provider.IsCredential(err) {
		return
	}
	if o.secrets != nil {
		if reloadErr := o.secrets.Reload(); reloadErr != nil {
			o.log.Warn("secret reload failed", "err", reloadErr)
		}
	}
	if o.ai != nil {
		o.ai.Invalidate()
	}
	if o.stt != nil {
		if resetErr := o.stt.Reset(); resetErr != nil {
			o.log.Warn("transcription reset failed", "err", resetErr)
		}
	}
}

func (o *Orchestrator) errorButtons(err error) []string {
	if provider.IsCredential(err) {
		return []string{"Settings", "Try again"}
	}
	return []string{"Try again"}
}

func (o *Orchestrator) truncate(detail string) string {
	limit := o.cfg.MaxErrorDetail
	if limit <= 0 || len(detail) <= limit {
		return detail
	}
	return detail[:limit] + "..."
}
