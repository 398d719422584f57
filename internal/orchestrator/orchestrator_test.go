package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stouffer-labs/topside/internal/ai"
	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/ports"
	"github.com/stouffer-labs/topside/internal/provider"
)

func TestFullRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "what is"})
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "what is this error"})
	h.aiProvider.response = "Restart the service.\n[BUTTONS: \"Show logs\", \"Explain more\"]"

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})

	h.orch.HandleTrigger()
	msg := h.events.awaitRound(t)

	if msg.Content != "Restart the service." {
		t.Fatalf("unexpected assistant content: %q", msg.Content)
	}
	if len(msg.Buttons) != 2 || msg.Buttons[0] != "Show logs" {
		t.Fatalf("unexpected buttons: %v", msg.Buttons)
	}
	if got := h.aiProvider.callCount(); got != 1 {
		t.Fatalf("expected 1 ai call, got %d", got)
	}
	if h.aiProvider.lastRequest().Messages[0].Content != "what is this error" {
		t.Fatalf("transcript did not reach assistant: %+v", h.aiProvider.lastRequest().Messages)
	}

	status := h.orch.Status()
	if status.State != domain.SessionStateConversing || !status.Active {
		t.Fatalf("unexpected status after round: %+v", status)
	}
}

func TestTranscriptFallsBackToPartial(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "half a thought"})
	h.aiProvider.response = "ok"

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()
	h.events.awaitRound(t)

	if got := h.aiProvider.lastRequest().Messages[0].Content; got != "half a thought" {
		t.Fatalf("expected partial fallback, got %q", got)
	}
}

func TestEmptyTranscriptClosesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()

	h.events.await(t, "session hidden", func(s eventLog) bool { return s.hidden })
	if got := h.aiProvider.callCount(); got != 0 {
		t.Fatalf("assistant should not run on empty transcript, got %d calls", got)
	}
	if h.history.saveCount() != 0 {
		t.Fatalf("empty session should not be saved")
	}
	if status := h.orch.Status(); status.State != domain.SessionStateIdle || status.Active {
		t.Fatalf("expected idle after empty round: %+v", status)
	}
}

func TestDoubleTriggerFinalizesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "hello"})
	h.aiProvider.response = "hi"

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})

	h.orch.HandleTrigger()
	h.orch.HandleTrigger()
	h.orch.HandleTrigger()
	h.events.awaitRound(t)

	if got := h.aiProvider.callCount(); got != 1 {
		t.Fatalf("expected exactly one ai call, got %d", got)
	}
}

func TestTriggerDroppedWhileAIInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "first"})
	h.aiProvider.response = "answer"
	h.aiProvider.block = make(chan struct{})

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()

	h.aiProvider.awaitCall(t)
	h.orch.HandleTrigger() // must be dropped, not queued
	close(h.aiProvider.block)
	h.events.awaitRound(t)

	if got := h.aiProvider.callCount(); got != 1 {
		t.Fatalf("trigger during ai call should be dropped, got %d calls", got)
	}
	if rounds := h.events.snapshot().rounds; rounds != 0 {
		t.Fatalf("no new round should have started, got %d", rounds)
	}
}

func TestCancelDiscardsInFlightResponse(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "question"})
	h.aiProvider.response = "too late"
	h.aiProvider.block = make(chan struct{})

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()
	h.aiProvider.awaitCall(t)

	h.orch.HandleCancel()
	h.events.await(t, "cancelled event", func(s eventLog) bool { return s.cancelled })
	close(h.aiProvider.block)

	h.events.await(t, "idle after grace", func(s eventLog) bool {
		return s.lastState == domain.SessionStateIdle
	})
	if s := h.events.snapshot(); s.completes != 0 {
		t.Fatalf("stale response must be discarded, got %d completes", s.completes)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.orch.HandleCancel() // idle; no-op
	if s := h.events.snapshot(); s.cancels != 0 {
		t.Fatalf("cancel while idle must emit nothing, got %d", s.cancels)
	}

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleCancel()
	h.orch.HandleCancel()
	h.events.await(t, "idle after grace", func(s eventLog) bool {
		return s.lastState == domain.SessionStateIdle
	})

	if s := h.events.snapshot(); s.cancels != 1 {
		t.Fatalf("expected a single cancelled event, got %d", s.cancels)
	}
	if h.stream.closeCount() == 0 {
		t.Fatalf("cancel must close the transcription stream")
	}
	if h.audioSession.stopCount() == 0 {
		t.Fatalf("cancel must stop the audio session")
	}
}

func TestNextRoundAfterConversing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "first question"})
	h.aiProvider.response = "first answer"

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()
	h.events.awaitRound(t)

	second := newFakeStream()
	second.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "follow up"})
	h.stt.push(second)
	h.audio.push(newFakeAudioSession())
	h.aiProvider.response = "second answer"

	h.orch.HandleTrigger() // conversing -> new round
	h.events.await(t, "round 2", func(s eventLog) bool { return s.rounds == 1 })
	h.orch.HandleTrigger()
	h.events.await(t, "second complete", func(s eventLog) bool { return s.completes == 2 })

	req := h.aiProvider.lastRequest()
	if len(req.Messages) != 3 {
		t.Fatalf("second round should carry full history, got %d messages", len(req.Messages))
	}
	if req.Messages[2].Content != "follow up" {
		t.Fatalf("unexpected last message: %+v", req.Messages[2])
	}
}

func TestAssistantErrorKeepsSessionAlive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "question"})
	h.aiProvider.err = provider.Errorf(provider.KindCredentialExpired, "key expired")

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()

	h.events.await(t, "assistant error", func(s eventLog) bool {
		return s.lastError.code == domain.ErrorCodeAssistant
	})

	s := h.events.snapshot()
	if len(s.lastError.buttons) != 2 || s.lastError.buttons[0] != "Settings" {
		t.Fatalf("credential error should offer settings, got %v", s.lastError.buttons)
	}
	if !h.secrets.reloaded() {
		t.Fatalf("credential error should reload secrets")
	}
	if status := h.orch.Status(); status.State != domain.SessionStateConversing {
		t.Fatalf("session should survive assistant errors: %+v", status)
	}
}

func TestTryAgainRetriesLastUserTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "question"})
	h.aiProvider.err = errors.New("transient")

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()
	h.events.await(t, "assistant error", func(s eventLog) bool {
		return s.lastError.code == domain.ErrorCodeAssistant
	})

	h.aiProvider.setErr(nil)
	h.aiProvider.response = "recovered"
	h.orch.HandleButton("Try again")
	h.events.awaitRound(t)

	req := h.aiProvider.lastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Content != "question" {
		t.Fatalf("retry should resend a clean history, got %+v", req.Messages)
	}
}

func TestButtonBecomesNextUserInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "question"})
	h.aiProvider.response = "answer"

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()
	h.events.awaitRound(t)

	h.aiProvider.response = "details"
	h.orch.HandleButton("Explain more")
	h.events.await(t, "second complete", func(s eventLog) bool { return s.completes == 2 })

	req := h.aiProvider.lastRequest()
	last := req.Messages[len(req.Messages)-1]
	if last.Role != domain.RoleUser || last.Content != "Explain more" {
		t.Fatalf("button should become user input, got %+v", last)
	}
}

func TestCloseSessionSavesHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "question"})
	h.aiProvider.response = "answer"

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()
	h.events.awaitRound(t)

	h.orch.CloseSession()
	h.events.await(t, "session hidden", func(s eventLog) bool { return s.hidden })

	if h.history.saveCount() != 1 {
		t.Fatalf("expected one saved record, got %d", h.history.saveCount())
	}
	record := h.history.lastRecord()
	if record.ID == "" || len(record.Messages) != 2 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if h.input.lastActive() {
		t.Fatalf("hotkeys should be disarmed after close")
	}
}

func TestStartupFailureResetsToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stt.startErr = provider.Errorf(provider.KindAuthMissing, "DEEPGRAM_API_KEY is not configured")

	h.orch.HandleTrigger()
	h.events.await(t, "startup error", func(s eventLog) bool {
		return s.lastError.code == domain.ErrorCodeStartup
	})
	h.events.await(t, "idle", func(s eventLog) bool {
		return s.lastState == domain.SessionStateIdle
	})

	if status := h.orch.Status(); status.Active {
		t.Fatalf("failed startup must not leave an active session")
	}
}

func TestAutoCopyLoneCodeBlock(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "how do I list files"})
	h.aiProvider.response = "Run this:\n```sh\nls -la\n```"

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()
	h.events.await(t, "auto copy", func(s eventLog) bool { return s.copied != "" })

	if h.clipboard.last() != "ls -la" {
		t.Fatalf("expected code block on clipboard, got %q", h.clipboard.last())
	}
}

func TestStreamFailureStopsMicrophone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})

	h.stream.fail(provider.Errorf(provider.KindNetwork, "connection dropped"))
	h.events.await(t, "transcription error", func(s eventLog) bool {
		return s.lastError.code == domain.ErrorCodeTranscription
	})

	if h.audioSession.stopCount() == 0 {
		t.Fatalf("audio session must stop when the transcription stream dies")
	}
	if status := h.orch.Status(); status.State != domain.SessionStateConversing {
		t.Fatalf("session should survive in conversing, got %+v", status)
	}

	// The next round records on fresh resources; closing releases them.
	second := newFakeStream()
	second.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "retry that"})
	h.stt.push(second)
	secondAudio := newFakeAudioSession()
	h.audio.push(secondAudio)
	h.aiProvider.response = "done"

	h.orch.HandleTrigger()
	h.events.await(t, "round 2", func(s eventLog) bool { return s.rounds == 1 })
	h.orch.HandleTrigger()
	h.events.awaitRound(t)

	h.orch.CloseSession()
	h.events.await(t, "session hidden", func(s eventLog) bool { return s.hidden })
	if secondAudio.stopCount() == 0 {
		t.Fatalf("second round's audio session must stop on close")
	}
}

func TestNewRoundReleasesPreviousRound(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "first question"})
	h.aiProvider.response = "first answer"

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()
	h.events.awaitRound(t)

	h.stt.push(newFakeStream())
	h.audio.push(newFakeAudioSession())

	h.orch.HandleTrigger() // conversing -> new round
	h.events.await(t, "round 2", func(s eventLog) bool { return s.rounds == 1 })

	if h.stream.closeCount() == 0 {
		t.Fatalf("round 1 stream must be closed when a new round starts")
	}
	if h.audioSession.stopCount() == 0 {
		t.Fatalf("round 1 audio session must be stopped when a new round starts")
	}
}

func TestStaleCaptureStaysHiddenAfterCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.capture.block = make(chan struct{})

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})

	h.orch.HandleCancel()
	h.events.await(t, "idle after grace", func(s eventLog) bool {
		return s.lastState == domain.SessionStateIdle
	})

	close(h.capture.block)
	time.Sleep(50 * time.Millisecond)
	if s := h.events.snapshot(); s.shown != 0 {
		t.Fatalf("capture resolving after cancel must not reveal the overlay, got %d shows", s.shown)
	}
}

func TestDrainErrorSurfacesDuringFinalize(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stream.queue(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "rotate my key"})
	h.stream.setRuntimeErr(provider.Errorf(provider.KindCredentialExpired, "token expired"))
	h.aiProvider.response = "answer"

	h.orch.HandleTrigger()
	h.events.await(t, "recording state", func(s eventLog) bool {
		return s.lastState == domain.SessionStateRecording
	})
	h.orch.HandleTrigger()
	h.events.awaitRound(t)

	s := h.events.snapshot()
	if s.lastError.code != domain.ErrorCodeTranscription {
		t.Fatalf("drain error must reach the UI, got %+v", s.lastError)
	}
	if len(s.lastError.buttons) != 2 || s.lastError.buttons[0] != "Settings" {
		t.Fatalf("credential error should offer settings, got %v", s.lastError.buttons)
	}
	if !h.secrets.reloaded() {
		t.Fatalf("credential error during finalize should reload secrets")
	}
	if got := h.aiProvider.lastRequest().Messages[0].Content; got != "rotate my key" {
		t.Fatalf("the captured transcript should still reach the assistant, got %q", got)
	}
}

// harness wires an orchestrator with fakes for every port.
type harness struct {
	orch         *Orchestrator
	audio        *fakeAudioCapture
	audioSession *fakeAudioSession
	stt          *fakeSTTProvider
	stream       *fakeStream
	aiProvider   *fakeAIProvider
	capture      *fakeCapture
	events       *fakeEventSink
	history      *fakeHistory
	clipboard    *fakeClipboard
	secrets      *fakeSecrets
	input        *fakeInput
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	stream := newFakeStream()
	audioSession := newFakeAudioSession()
	h := &harness{
		audio:        &fakeAudioCapture{sessions: []ports.AudioSession{audioSession}},
		audioSession: audioSession,
		stt:          &fakeSTTProvider{sessions: []provider.TranscriptionSession{stream}},
		stream:       stream,
		aiProvider:   &fakeAIProvider{calls: make(chan struct{}, 8)},
		capture:      &fakeCapture{},
		events:       newFakeEventSink(),
		history:      &fakeHistory{},
		clipboard:    &fakeClipboard{},
		secrets:      &fakeSecrets{},
		input:        &fakeInput{},
	}

	sttRegistry := provider.NewRegistry[provider.TranscriptionProvider]("fake")
	sttRegistry.Register(provider.Descriptor{ID: "fake"}, func() (provider.TranscriptionProvider, error) {
		return h.stt, nil
	})
	aiRegistry := provider.NewRegistry[provider.AIProvider]("fake")
	aiRegistry.Register(provider.Descriptor{ID: "fake"}, func() (provider.AIProvider, error) {
		return h.aiProvider, nil
	})

	h.orch = New(Config{
		ChunkSize:      512,
		CancelGrace:    5 * time.Millisecond,
		DrainTimeout:   time.Second,
		AutoCopyProse:  120,
		MaxErrorDetail: 280,
	}, Deps{
		Audio:         h.audio,
		Transcription: sttRegistry,
		AI:            ai.NewClient(aiRegistry, nil),
		Capture:       h.capture,
		Windows:       fakeWindows{},
		Highlight:     &fakeHighlighter{},
		History:       h.history,
		Input:         h.input,
		Clipboard:     h.clipboard,
		Secrets:       h.secrets,
		Events:        h.events,
	})
	return h
}

type fakeAudioCapture struct {
	mu       sync.Mutex
	sessions []ports.AudioSession
	calls    int
}

func (f *fakeAudioCapture) Start(context.Context, ports.AudioConfig) (ports.AudioSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.sessions) {
		return nil, errors.New("no audio session configured")
	}
	session := f.sessions[f.calls]
	f.calls++
	return session, nil
}

func (f *fakeAudioCapture) push(session ports.AudioSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session)
}

type fakeAudioSession struct {
	mu      sync.Mutex
	stopped chan struct{}
	stops   int
}

func newFakeAudioSession() *fakeAudioSession {
	return &fakeAudioSession{stopped: make(chan struct{})}
}

func (f *fakeAudioSession) Read(p []byte) (int, error) {
	// block until stopped so the pump stays alive like a real recorder
	<-f.stopped
	return 0, io.EOF
}

func (f *fakeAudioSession) Close() error { return f.Stop() }

func (f *fakeAudioSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stops == 1 {
		close(f.stopped)
	}
	return nil
}

func (f *fakeAudioSession) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeSTTProvider struct {
	mu       sync.Mutex
	sessions []provider.TranscriptionSession
	startErr error
	calls    int
}

func (f *fakeSTTProvider) Start(context.Context, provider.StreamConfig) (provider.TranscriptionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.calls >= len(f.sessions) {
		return nil, errors.New("no stream session configured")
	}
	session := f.sessions[f.calls]
	f.calls++
	return session, nil
}

func (f *fakeSTTProvider) Close() error { return nil }

func (f *fakeSTTProvider) push(session provider.TranscriptionSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session)
}

type fakeStream struct {
	mu     sync.Mutex
	events chan domain.TranscriptEvent
	err    error
	closed bool
	closes int
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan domain.TranscriptEvent, 16)}
}

func (f *fakeStream) queue(ev domain.TranscriptEvent) { f.events <- ev }

func (f *fakeStream) SendAudio([]byte) error { return nil }

func (f *fakeStream) Events() <-chan domain.TranscriptEvent { return f.events }

func (f *fakeStream) Drain(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.events)
		f.closed = true
	}
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if !f.closed {
		close(f.events)
		f.closed = true
	}
	return nil
}

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// fail simulates the stream dying mid-round: the runtime error is
// recorded and the event channel closes.
func (f *fakeStream) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	if !f.closed {
		close(f.events)
		f.closed = true
	}
}

func (f *fakeStream) setRuntimeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeAIProvider struct {
	mu       sync.Mutex
	response string
	err      error
	requests []provider.ConverseRequest
	block    chan struct{}
	calls    chan struct{}
}

func (f *fakeAIProvider) Initialize(context.Context) error { return nil }

func (f *fakeAIProvider) InvalidateClient() {}

func (f *fakeAIProvider) Close() error { return nil }

func (f *fakeAIProvider) Converse(ctx context.Context, req provider.ConverseRequest, onChunk provider.ChunkFunc) (provider.ConverseResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block := f.block
	response, err := f.response, f.err
	f.mu.Unlock()

	select {
	case f.calls <- struct{}{}:
	default:
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return provider.ConverseResult{}, err
	}
	if onChunk != nil {
		onChunk(response)
	}
	return provider.ConverseResult{Text: response, Usage: domain.Usage{InputTokens: 5, OutputTokens: 7}}, nil
}

func (f *fakeAIProvider) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAIProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeAIProvider) lastRequest() provider.ConverseRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeAIProvider) awaitCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("ai provider was never called")
	}
}

type fakeCapture struct {
	block chan struct{}
}

func (f *fakeCapture) Capture(context.Context, *domain.WindowInfo, ports.CaptureMode) *domain.Screenshot {
	if f.block != nil {
		<-f.block
	}
	return &domain.Screenshot{Data: []byte("png"), MediaType: "image/png"}
}

type fakeWindows struct{}

func (fakeWindows) ActiveWindow(context.Context) *domain.WindowInfo {
	return &domain.WindowInfo{Title: "editor", Owner: "code", Bounds: &domain.Bounds{Width: 800, Height: 600}}
}

type fakeHighlighter struct{}

func (*fakeHighlighter) Show(*domain.Bounds) {}
func (*fakeHighlighter) Flash() {}
func (*fakeHighlighter) Hide() {}

type fakeHistory struct {
	mu      sync.Mutex
	records []domain.SessionRecord
}

func (f *fakeHistory) Save(_ context.Context, record domain.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeHistory) Recent(context.Context, int) ([]domain.SessionRecord, error) {
	return nil, nil
}

func (f *fakeHistory) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeHistory) lastRecord() domain.SessionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[len(f.records)-1]
}

type fakeClipboard struct {
	mu   sync.Mutex
	text string
}

func (f *fakeClipboard) SetText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
	return nil
}

func (f *fakeClipboard) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text
}

type fakeSecrets struct {
	mu      sync.Mutex
	reloads int
}

func (f *fakeSecrets) Get(string) string { return "" }

func (f *fakeSecrets) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeSecrets) reloaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads > 0
}

type fakeInput struct {
	mu     sync.Mutex
	active bool
}

func (f *fakeInput) SetSessionActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = active
}

func (f *fakeInput) lastActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type errorEvent struct {
	code    domain.ErrorCode
	detail  string
	buttons []string
}

type eventLog struct {
	lastState domain.SessionState
	shown     int
	hidden    bool
	cancelled bool
	cancels   int
	rounds    int
	completes int
	copied    string
	lastError errorEvent
	lastMsg   domain.Message
}

type fakeEventSink struct {
	mu  sync.Mutex
	log eventLog

	roundDone chan domain.Message
}

func newFakeEventSink() *fakeEventSink {
	return &fakeEventSink{roundDone: make(chan domain.Message, 8)}
}

func (f *fakeEventSink) SessionShown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.shown++
}

func (f *fakeEventSink) SessionHidden() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.hidden = true
}

func (f *fakeEventSink) StateChanged(state domain.SessionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.lastState = state
}

func (f *fakeEventSink) ScreenshotAvailable(*domain.Screenshot) {}

func (f *fakeEventSink) TranscriptUpdated(string) {}

func (f *fakeEventSink) NewRoundStarted(int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.rounds++
}

func (f *fakeEventSink) FinalizingStarted() {}

func (f *fakeEventSink) Thinking() {}

func (f *fakeEventSink) StreamingChunk(string) {}

func (f *fakeEventSink) RoundComplete(msg domain.Message) {
	f.mu.Lock()
	f.log.completes++
	f.log.lastMsg = msg
	f.mu.Unlock()
	f.roundDone <- msg
}

func (f *fakeEventSink) AutoCopied(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.copied = text
}

func (f *fakeEventSink) Cancelled() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.cancelled = true
	f.log.cancels++
}

func (f *fakeEventSink) ErrorOccurred(code domain.ErrorCode, detail string, buttons []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.lastError = errorEvent{code: code, detail: detail, buttons: buttons}
}

func (f *fakeEventSink) snapshot() eventLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.log
}

func (f *fakeEventSink) await(t *testing.T, what string, cond func(eventLog) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(f.snapshot()) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; log: %+v", what, f.snapshot())
}

func (f *fakeEventSink) awaitRound(t *testing.T) domain.Message {
	t.Helper()
	select {
	case msg := <-f.roundDone:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for round completion")
		return domain.Message{}
	}
}
