package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/provider"
)

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
}

// Descriptor is the static backend metadata used by the settings UI.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:           "deepgram",
		Label:        "Deepgram",
		Models:       []string{"nova-2", "nova-3"},
		DefaultModel: "nova-2",
		Fields: []provider.ConfigField{
			{Name: "DEEPGRAM_API_KEY", Label: "API key", Kind: provider.FieldKindSecret},
			{Name: "DEEPGRAM_MODEL", Label: "Model", Kind: provider.FieldKindSelect, Options: []string{"nova-2", "nova-3"}},
			{Name: "DEEPGRAM_LANGUAGE", Label: "Language", Kind: provider.FieldKindText},
		},
	}
}

// Provider implements provider.TranscriptionProvider for Deepgram.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Close() error { return nil }

// Start opens a streaming session. The websocket dial happens in the
// background; audio sent before the connection opens is queued and
// flushed in order once it does.
func (p *Provider) Start(ctx context.Context, cfg provider.StreamConfig) (provider.TranscriptionSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, provider.Errorf(provider.KindAuthMissing, "DEEPGRAM_API_KEY is not configured")
	}

	wsURL, err := buildListenURL(p.cfg, cfg)
	if err != nil {
		return nil, err
	}

	session := &streamingSession{
		events: make(chan domain.TranscriptEvent, 64),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	go session.run(ctx, wsURL, p.cfg.APIKey)

	return session, nil
}

type streamingSession struct {
	events chan domain.TranscriptEvent
	audio  chan []byte
	done   chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *streamingSession) run(ctx context.Context, wsURL string, apiKey string) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		s.setErr(provider.Errorf(provider.KindNetwork, "failed to connect to Deepgram websocket: %v", err))
		close(s.events)
		close(s.done)
		return
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop(conn)
	}()
	go func() {
		defer wg.Done()
		s.writeLoop(conn)
	}()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	wg.Wait()
	close(s.events)
	close(s.done)
	_ = conn.Close()
}

func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	copied := append([]byte(nil), chunk...)

	// Hold the read lock across the send so closeSend cannot close the
	// channel between the check and the send.
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errors.New("audio stream is already closed")
	}
	select {
	case s.audio <- copied:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return errors.New("session closed")
	}
}

func (s *streamingSession) Events() <-chan domain.TranscriptEvent {
	return s.events
}

// Drain flushes queued audio, tells the server the stream is over, and
// waits for the final results to arrive before the event channel closes.
func (s *streamingSession) Drain(ctx context.Context) error {
	s.closeSend()
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		_ = s.Close()
		<-s.done
		return s.Err()
	}
}

func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeSend()
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	<-s.done
	return s.Err()
}

func (s *streamingSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) closeSend() {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
}

func (s *streamingSession) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) writeLoop(conn *websocket.Conn) {
	for chunk := range s.audio {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.setErr(provider.Errorf(provider.KindNetwork, "failed to send audio: %v", err))
			return
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.setErr(provider.Errorf(provider.KindNetwork, "failed to close stream: %v", err))
	}
}

func (s *streamingSession) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("failed to read provider event: %w", err))
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(provider.NewError(provider.ClassifyMessage(message), errors.New(message)))
			return
		}

		transcript := extractTranscript(response)
		if transcript == "" {
			continue
		}

		event := domain.TranscriptEvent{Text: transcript}
		if response.IsFinal || response.SpeechFinal {
			event.Kind = domain.TranscriptKindFinal
		} else {
			event.Kind = domain.TranscriptKindPartial
		}
		s.emit(event)
	}
}

func (s *streamingSession) emit(event domain.TranscriptEvent) {
	select {
	case s.events <- event:
	case <-s.done:
	default:
	}
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func extractTranscript(response deepgramResponse) string {
	if len(response.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(response.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(response.Results.Channels) > 0 && len(response.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(response.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

func buildListenURL(providerCfg Config, streamCfg provider.StreamConfig) (string, error) {
	base := providerCfg.APIBaseURL
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}
	base = strings.TrimSpace(base)

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	query := listenURL.Query()
	if streamCfg.Encoding == "" {
		streamCfg.Encoding = "linear16"
	}
	if streamCfg.SampleRate <= 0 {
		streamCfg.SampleRate = 16000
	}
	if streamCfg.Channels <= 0 {
		streamCfg.Channels = 1
	}
	query.Set("model", providerCfg.Model)
	query.Set("encoding", streamCfg.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", streamCfg.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", streamCfg.Channels))
	query.Set("interim_results", fmt.Sprintf("%t", streamCfg.InterimResults))
	query.Set("smart_format", fmt.Sprintf("%t", providerCfg.SmartFormat))
	if providerCfg.Language != "" {
		query.Set("language", providerCfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
