// Package recognizer is the streaming speech-to-text adapter facade
// (spec.md §4.4) plus a concrete Azure Speech backend.
package recognizer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType tags a recognizer callback.
type EventType int

const (
	EventRecognizing EventType = iota
	EventRecognitionEnded
	EventRecognitionError
)

// Event is a single recognizer callback. RecognitionEnded is terminal:
// any event observed after it on the same stream must be ignored by the
// caller, per spec.md §4.4.
type Event struct {
	Type    EventType
	Partial string // EventRecognizing
	Final   string // EventRecognitionEnded
	Err     error  // EventRecognitionError
}

// PushStream is a live recognition session: write PCM to it, read events
// off Events(), and Stop it when done.
type PushStream interface {
	Write(pcm []byte) error
	Stop()
	Events() <-chan Event
}

// Adapter opens streaming STT sessions; callers write 8kHz/16-bit/mono PCM.
type Adapter interface {
	Start(ctx context.Context) (PushStream, error)
}

// AzureAdapter streams audio to an Azure Speech real-time recognition
// endpoint over a gorilla/websocket connection, grounded on
// jmandel-via-jules-voxtral-dictate/backend_ws.go's session-config +
// audio-send-goroutine + event-read-loop shape and on the teacher's
// transport/provider.go read/write goroutine pairing.
type AzureAdapter struct {
	Region          string
	SubscriptionKey string
	Language        string
	Log             *zap.SugaredLogger
}

// wsURL builds the Azure Speech streaming recognition WebSocket URL.
func (a *AzureAdapter) wsURL() string {
	return fmt.Sprintf(
		"wss://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1?language=%s&format=detailed",
		a.Region, a.Language)
}

// Start dials the recognition endpoint and begins the read/write loops.
// The request names only the language and result format; no audio-format
// declaration is sent, and Write forwards PCM bytes as given.
func (a *AzureAdapter) Start(ctx context.Context) (PushStream, error) {
	header := map[string][]string{
		"Ocp-Apim-Subscription-Key": {a.SubscriptionKey},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.wsURL(), header)
	if err != nil {
		return nil, fmt.Errorf("recognizer: dial: %w", err)
	}

	log := a.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	s := &azureStream{
		conn:     conn,
		events:   make(chan Event, 32),
		writeCh:  make(chan []byte, 64),
		doneCh:   make(chan struct{}),
		log:      log,
		partials: make([]string, 0, 8),
	}
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

type azureStream struct {
	conn    *websocket.Conn
	events  chan Event
	writeCh chan []byte
	doneCh  chan struct{}
	log     *zap.SugaredLogger

	mu       sync.Mutex
	partials []string
	ended    bool
}

func (s *azureStream) Write(pcm []byte) error {
	select {
	case s.writeCh <- pcm:
		return nil
	case <-s.doneCh:
		return fmt.Errorf("recognizer: stream stopped")
	}
}

// Stop requests graceful termination; the provider's close handshake
// triggers RecognitionEnded exactly once from readLoop.
func (s *azureStream) Stop() {
	select {
	case <-s.doneCh:
		return
	default:
		close(s.doneCh)
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *azureStream) Events() <-chan Event {
	return s.events
}

func (s *azureStream) writeLoop() {
	for {
		select {
		case <-s.doneCh:
			return
		case pcm := <-s.writeCh:
			msg := audioChunkMessage{
				Type:  "audio",
				Audio: base64.StdEncoding.EncodeToString(pcm),
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warnw("recognizer write failed", "error", err)
				return
			}
		}
	}
}

type audioChunkMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type recognitionWireEvent struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
}

func (s *azureStream) readLoop() {
	defer close(s.events)
	defer func() { _ = s.conn.Close() }()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.emitEnded()
			return
		}

		var wire recognitionWireEvent
		if err := json.Unmarshal(data, &wire); err != nil {
			continue
		}

		switch wire.RecognitionStatus {
		case "", "Recognizing":
			s.emit(Event{Type: EventRecognizing, Partial: wire.DisplayText})
		case "Success":
			s.mu.Lock()
			if wire.DisplayText != "" {
				s.partials = append(s.partials, wire.DisplayText)
			}
			s.mu.Unlock()
		case "Error", "NoMatch":
			s.emit(Event{Type: EventRecognitionError, Err: fmt.Errorf("recognizer: %s", wire.RecognitionStatus)})
		}
	}
}

// emit delivers ev unless the stream has already emitted its terminal
// RecognitionEnded event.
func (s *azureStream) emit(ev Event) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return
	}
	select {
	case s.events <- ev:
	case <-s.doneCh:
	}
}

// emitEnded concatenates all recognized hypotheses (joined by single
// spaces, trimmed) and emits RecognitionEnded exactly once.
func (s *azureStream) emitEnded() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	final := strings.TrimSpace(strings.Join(s.partials, " "))
	s.mu.Unlock()

	select {
	case s.events <- Event{Type: EventRecognitionEnded, Final: final}:
	default:
	}
}
