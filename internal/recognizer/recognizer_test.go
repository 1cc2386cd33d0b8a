package recognizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestRecognitionEndedConcatenatesHypotheses(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, mustJSON(recognitionWireEvent{RecognitionStatus: "Success", DisplayText: "buenos"}))
		_ = conn.WriteMessage(websocket.TextMessage, mustJSON(recognitionWireEvent{RecognitionStatus: "Success", DisplayText: "días"}))
		time.Sleep(50 * time.Millisecond)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	a := &AzureAdapter{Region: "r", SubscriptionKey: "k", Language: "es-ES"}
	stream, err := startOverride(t, a, wsURL(ts.URL))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var ended *Event
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				break loop
			}
			if ev.Type == EventRecognitionEnded {
				e := ev
				ended = &e
			}
		case <-deadline:
			t.Fatal("timed out waiting for RecognitionEnded")
		}
	}

	if ended == nil {
		t.Fatal("never received RecognitionEnded")
	}
	if ended.Final != "buenos días" {
		t.Fatalf("got final text %q", ended.Final)
	}
}

func TestRecognizingEmitsPartial(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, mustJSON(recognitionWireEvent{RecognitionStatus: "Recognizing", DisplayText: "buen"}))
		time.Sleep(100 * time.Millisecond)
	})

	a := &AzureAdapter{Region: "r", SubscriptionKey: "k", Language: "es-ES"}
	stream, err := startOverride(t, a, wsURL(ts.URL))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case ev := <-stream.Events():
		if ev.Type != EventRecognizing || ev.Partial != "buen" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

// startOverride dials url directly rather than through AzureAdapter.wsURL,
// so tests can target an httptest server instead of a real Azure endpoint.
func startOverride(t *testing.T, a *AzureAdapter, url string) (PushStream, error) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.DialContext(context.Background(), url, nil)
	if err != nil {
		return nil, err
	}
	s := &azureStream{
		conn:     conn,
		events:   make(chan Event, 32),
		writeCh:  make(chan []byte, 64),
		doneCh:   make(chan struct{}),
		log:      zap.NewNop().Sugar(),
		partials: make([]string, 0, 8),
	}
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
