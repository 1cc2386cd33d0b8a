// Package arievents subscribes to the call-control collaborator's
// WebSocket event stream and dispatches tagged events, grounded on the
// teacher's readLoop/writeLoop transport pattern (transport/provider.go)
// but carrying event payloads as a single tagged struct rather than a
// polymorphic interface, per spec.md §9 DESIGN NOTES.
package arievents

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Type tags the kind of event carried by an Event value.
type Type string

const (
	TypeStasisStart            Type = "StasisStart"
	TypeStasisEnd               Type = "StasisEnd"
	TypeChannelEnteredBridge    Type = "ChannelEnteredBridge"
	TypeChannelTalkingStarted  Type = "ChannelTalkingStarted"
	TypeChannelTalkingFinished Type = "ChannelTalkingFinished"
	TypeChannelDtmfReceived    Type = "ChannelDtmfReceived"
	TypePlaybackFinished        Type = "PlaybackFinished"
	TypePlaybackFailed          Type = "PlaybackFailed"
	TypeDisconnected            Type = "Disconnected"
)

// Event is a single tagged event off the stream. Only the fields relevant
// to Type are populated; callers switch on Type.
type Event struct {
	Type Type

	ChannelID string
	CallerID  string
	Args      []string // StasisStart application arguments

	BridgeID string

	Digit string // ChannelDtmfReceived

	Duration time.Duration // ChannelTalkingFinished

	PlaybackID string // PlaybackFinished / PlaybackFailed

	Err error // Disconnected / decode failure context
}

// wireEvent is the raw JSON shape the collaborator emits; fields are a
// superset across all event types, consistent with ARI's actual wire
// format, and are picked apart into Event in decode().
type wireEvent struct {
	Type    string `json:"type"`
	Channel *struct {
		ID      string `json:"id"`
		Caller  struct {
			Number string `json:"number"`
		} `json:"caller"`
	} `json:"channel"`
	Args       []string `json:"args"`
	Bridge     *struct {
		ID string `json:"id"`
	} `json:"bridge"`
	Digit      string `json:"digit"`
	DurationMs int64  `json:"duration_ms"`
	Playback   *struct {
		ID string `json:"id"`
	} `json:"playback"`
}

func decode(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("arievents: decode: %w", err)
	}
	ev := Event{Type: Type(w.Type)}
	if w.Channel != nil {
		ev.ChannelID = w.Channel.ID
		ev.CallerID = w.Channel.Caller.Number
	}
	ev.Args = w.Args
	if w.Bridge != nil {
		ev.BridgeID = w.Bridge.ID
	}
	ev.Digit = w.Digit
	ev.Duration = time.Duration(w.DurationMs) * time.Millisecond
	if w.Playback != nil {
		ev.PlaybackID = w.Playback.ID
	}
	return ev, nil
}

// Stream is a live subscription to the event WebSocket.
type Stream struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	log    *zap.SugaredLogger
}

// Dial opens the event WebSocket at url and starts the read loop.
func Dial(url string, log *zap.SugaredLogger) (*Stream, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("arievents: dial: %w", err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Stream{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		log:    log,
	}
	go s.readLoop()
	return s, nil
}

// Events returns the channel of decoded events. It is closed when the
// stream disconnects; the final value observed may be a TypeDisconnected
// event carrying the cause.
func (s *Stream) Events() <-chan Event {
	return s.events
}

func (s *Stream) readLoop() {
	defer close(s.events)
	defer func() { _ = s.conn.Close() }()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return // local Close: end quietly, no Disconnected event
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warnw("event stream read failed", "error", err)
				select {
				case s.events <- Event{Type: TypeDisconnected, Err: err}:
				default:
				}
			}
			return
		}

		ev, err := decode(data)
		if err != nil {
			s.log.Warnw("dropping undecodable event", "error", err)
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Close terminates the stream's read loop and underlying connection.
func (s *Stream) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.conn.Close()
}
