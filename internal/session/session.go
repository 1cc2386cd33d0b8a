// Package session is the per-call state machine (spec.md §4.7): it
// answers channels, wires up audio snooping, drives prompt playback,
// enables voice-activity detection, performs barge-in, multiplexes voice
// vs keypad input, marshals the outcome back to the switch, and
// guarantees cleanup runs exactly once. Three independent event sources
// (call-control events, RTP frames, recognizer callbacks) feed one
// logical inbox per call, modeled here as a single goroutine selecting
// over several channels — the teacher's per-connection readLoop/writeLoop
// goroutine pairing (transport/provider.go) generalized from a single
// websocket source to three, per spec.md §9 DESIGN NOTES ("re-architect
// as explicit state machines fed by a single per-session inbox").
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxmediator/ari-mediator/internal/ariclient"
	"github.com/voxmediator/ari-mediator/internal/arievents"
	"github.com/voxmediator/ari-mediator/internal/config"
	"github.com/voxmediator/ari-mediator/internal/recognizer"
	"github.com/voxmediator/ari-mediator/internal/store"
	"github.com/voxmediator/ari-mediator/internal/synth"
	"github.com/voxmediator/ari-mediator/internal/wavfile"
)

// State is one of the six CallSession states from spec.md §3.
type State int

const (
	StateAnswering State = iota
	StatePlayingPrompt
	StateListening
	StateRecognizing
	StateFinalizing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAnswering:
		return "Answering"
	case StatePlayingPrompt:
		return "PlayingPrompt"
	case StateListening:
		return "Listening"
	case StateRecognizing:
		return "Recognizing"
	case StateFinalizing:
		return "Finalizing"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// AriClient is the subset of internal/ariclient.Client the orchestrator
// drives a call through. Defined as an interface so scenario tests can
// substitute a fake without a live ARI server.
type AriClient interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	ContinueInDialplan(ctx context.Context, channelID string) error
	GetVariablesAllowList(ctx context.Context, channelID string, allowList []string) (map[string]string, error)
	SetVariable(ctx context.Context, channelID, name, value string) error
	SetTalkDetect(ctx context.Context, channelID string, silenceMs, speechThreshold int) error
	CreateBridge(ctx context.Context, bridgeType string) (*ariclient.Bridge, error)
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	RemoveChannel(ctx context.Context, bridgeID, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	SnoopChannel(ctx context.Context, channelID, app, spy, appArgs string) (*ariclient.Channel, error)
	CreateExternalMedia(ctx context.Context, p ariclient.ExternalMediaParams) (*ariclient.Channel, error)
	PlayOnBridge(ctx context.Context, bridgeID, mediaURI string) (*ariclient.Playback, error)
	StopPlayback(ctx context.Context, playbackID string) error
}

// rtpReceiver is the subset of *internal/rtp.Receiver the session drives.
type rtpReceiver interface {
	StartPreBuffering(capacityFrames int)
	StopPreBufferingAndFlush() []byte
	SubscribeLive(sink func([]byte))
	Close() error
	Errors() <-chan error
}

// promptCache is the subset of *internal/promptcache.Cache the session
// uses to stage synthesized audio before playback.
type promptCache interface {
	Put(pcm []byte, format wavfile.Format) (path, mediaRef string, err error)
	Remove(path string) error
}

// listenFunc opens an RTP receiver; substitutable in tests to avoid
// binding real UDP sockets.
type listenFunc func(ip string, startPort, maxAttempts int, log *zap.SugaredLogger) (rtpReceiver, string, error)

// recordingWriter persists final WAV recordings; substitutable in tests.
type recordingWriter func(path string, pcm []byte, format wavfile.Format) error

const maxPortAttempts = 200

// audioFormat is the fixed 8kHz/16-bit/mono format spec.md mandates
// throughout (RTP payload post-decode, recordings, recognizer input).
var audioFormat = wavfile.Format{Channels: 1, SampleRate: 8000, BitDepth: 16}

// Deps bundles the external collaborators a Manager wires every
// CallSession to.
type Deps struct {
	Ari             AriClient
	AppName         string
	RecognizerAdapter recognizer.Adapter
	SynthAdapter    synth.Adapter
	Store           store.Store
	Cache           promptCache
	Log             *zap.Logger
	Listen          listenFunc
	WriteRecording  recordingWriter
	AllowList       []string
}

// promptChunk is a queued-but-not-yet-played TTS chunk.
type promptChunk struct {
	pcm      []byte
	path     string
	mediaRef string
}

// CallSession is one call's orchestrator instance: single writer of its
// own state, fed by a select loop over three independent event sources.
type CallSession struct {
	deps Deps
	cfg  config.EffectiveConfig
	log  *zap.SugaredLogger

	channelID string
	callerID  string

	state   State
	outcome store.RecognitionMode

	userBridgeID   string
	snoopBridgeID  string
	snoopChannelID string
	externalChID   string
	rtp            rtpReceiver

	recStream   recognizer.PushStream
	recEvents   <-chan recognizer.Event
	sttPCM      []byte
	transcript  string

	textToSpeak      string
	synthesizedPCM   []byte
	playing          bool
	activePBID       string
	activePBPath     string
	pendingChunks    []promptChunk
	synthDone        bool
	artifacts        map[string]bool // path -> already removed
	promptAbandoned  bool
	vadArmed         bool
	bargeinFired     bool
	ttsRecordingPath string
	sttRecordingPath string

	keypadDigits strings.Builder
	keypadMode   bool

	sessionTimer       *time.Timer
	noInputTimer       *time.Timer
	keypadTimer        *time.Timer
	vadActivationTimer *time.Timer

	ariEvents   chan arievents.Event
	rtpFrames   chan []byte
	synthChunks chan synth.Chunk
	rtpErrors   <-chan error

	done        chan struct{}
	cleanupOnce sync.Once
	finishedCh  chan struct{}
}

func nilTimerChan() <-chan time.Time { return nil }

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nilTimerChan()
	}
	return t.C
}

// Run executes the full channel-enter algorithm (spec.md §4.7 steps 1-14)
// to completion: building the call's configuration, wiring the media
// topology, driving the prompt/listen/recognize cycle, finalizing, and
// running cleanup exactly once. It returns once the call has fully torn
// down.
func (s *CallSession) Run(ctx context.Context) {
	defer close(s.finishedCh)
	defer s.cleanup(ctx)

	if !s.bootstrap(ctx) {
		return
	}
	s.loop(ctx)
}

// Deliver feeds an ARI call-control event into this session's inbox. It
// must not block the caller for long; the channel is buffered.
func (s *CallSession) Deliver(ev arievents.Event) {
	select {
	case s.ariEvents <- ev:
	case <-s.done:
	}
}

// Done reports when the session has fully torn down.
func (s *CallSession) Done() <-chan struct{} { return s.finishedCh }

// bootstrap runs steps 1-7 of spec.md §4.7: config merge, logger, session
// timer, answer, TEXT_TO_SPEAK, and the audio snooping topology. Returns
// false if the call could not proceed past this point (Finalizing was
// already reached with ERROR).
func (s *CallSession) bootstrap(ctx context.Context) bool {
	vars, err := s.deps.Ari.GetVariablesAllowList(ctx, s.channelID, s.deps.AllowList)
	if err != nil {
		s.log.Warnw("failed reading script variables", "error", err)
		vars = map[string]string{}
	}
	s.cfg = config.Merge(s.cfg, vars, s.log)

	if s.cfg.SessionTimeoutMs > 0 {
		s.sessionTimer = time.NewTimer(time.Duration(s.cfg.SessionTimeoutMs) * time.Millisecond)
	}

	if err := s.deps.Ari.Answer(ctx, s.channelID); err != nil {
		s.log.Warnw("answer failed", "error", err)
	}

	s.textToSpeak = vars["TEXT_TO_SPEAK"]
	if s.cfg.PromptMode == "tts" && s.textToSpeak == "" {
		s.log.Warnw("TEXT_TO_SPEAK missing for tts prompt mode")
		s.finalize(ctx, store.RecognitionError)
		return false
	}

	if err := s.buildTopology(ctx); err != nil {
		s.log.Warnw("failed building media topology", "error", err)
		s.finalize(ctx, store.RecognitionError)
		return false
	}

	s.state = StatePlayingPrompt
	s.startPrompt(ctx)
	return true
}

// buildTopology implements spec.md §4.7 step 7.
func (s *CallSession) buildTopology(ctx context.Context) error {
	userBridge, err := s.deps.Ari.CreateBridge(ctx, "mixing")
	if err != nil {
		return fmt.Errorf("create user bridge: %w", err)
	}
	s.userBridgeID = userBridge.ID

	if err := s.deps.Ari.AddChannel(ctx, s.userBridgeID, s.channelID); err != nil {
		return fmt.Errorf("add channel to user bridge: %w", err)
	}

	rtp, addr, err := s.deps.Listen(s.cfg.ExternalMediaServerIP, s.externalMediaStartPort(), maxPortAttempts, s.log)
	if err != nil {
		return fmt.Errorf("bind rtp receiver: %w", err)
	}
	s.rtp = rtp
	s.rtpErrors = rtp.Errors()

	snoopCh, err := s.deps.Ari.SnoopChannel(ctx, s.channelID, s.deps.AppName, "in", "internal")
	if err != nil {
		return fmt.Errorf("create snoop channel: %w", err)
	}
	s.snoopChannelID = snoopCh.ID

	extCh, err := s.deps.Ari.CreateExternalMedia(ctx, ariclient.ExternalMediaParams{
		App:          s.deps.AppName,
		AppArgs:      "internal",
		ExternalHost: addr,
		Format:       s.cfg.ExternalMediaAudioFormat,
		Direction:    "both",
	})
	if err != nil {
		return fmt.Errorf("create external media channel: %w", err)
	}
	s.externalChID = extCh.ID

	snoopBridge, err := s.deps.Ari.CreateBridge(ctx, "mixing")
	if err != nil {
		return fmt.Errorf("create snoop bridge: %w", err)
	}
	s.snoopBridgeID = snoopBridge.ID

	if err := s.deps.Ari.AddChannel(ctx, s.snoopBridgeID, s.snoopChannelID); err != nil {
		return fmt.Errorf("add snoop channel to snoop bridge: %w", err)
	}
	if err := s.deps.Ari.AddChannel(ctx, s.snoopBridgeID, s.externalChID); err != nil {
		return fmt.Errorf("add external media channel to snoop bridge: %w", err)
	}
	return nil
}

func (s *CallSession) externalMediaStartPort() int {
	if s.cfg.ExternalMediaServerPort > 0 {
		return s.cfg.ExternalMediaServerPort
	}
	return 34000
}

// loop is the session's single logical inbox: the sole place session
// state is mutated, serializing the three independent event sources.
func (s *CallSession) loop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return

		case ev := <-s.ariEvents:
			if s.handleAriEvent(ctx, ev) {
				return
			}

		case frame := <-s.rtpFrames:
			s.handleRtpFrame(ctx, frame)

		case chunk, ok := <-s.synthChunks:
			if !ok {
				s.synthChunks = nil
				continue
			}
			s.handleSynthChunk(ctx, chunk)

		case ev, ok := <-s.recEvents:
			if !ok {
				s.recEvents = nil
				continue
			}
			s.handleRecognizerEvent(ctx, ev)

		case err := <-s.rtpErrors:
			s.log.Warnw("rtp socket error", "error", err)
			s.finalize(ctx, store.RecognitionError)
			return

		case <-timerC(s.sessionTimer):
			s.log.Infow("session timeout, hanging up")
			_ = s.deps.Ari.Hangup(ctx, s.channelID)
			return

		case <-timerC(s.noInputTimer):
			s.log.Infow("no-input timeout, hanging up")
			s.finalize(ctx, store.RecognitionNoInput)
			_ = s.deps.Ari.Hangup(ctx, s.channelID)
			return

		case <-timerC(s.keypadTimer):
			s.finalize(ctx, store.RecognitionDTMF)
			return

		case <-timerC(s.vadActivationTimer):
			s.vadActivationTimer = nil
			s.armVAD(ctx)
		}
	}
}

func (s *CallSession) handleAriEvent(ctx context.Context, ev arievents.Event) (terminate bool) {
	switch ev.Type {
	case arievents.TypeStasisEnd:
		if ev.ChannelID == s.channelID {
			return true
		}
	case arievents.TypeChannelTalkingStarted:
		s.onVoiceStart(ctx)
	case arievents.TypeChannelTalkingFinished:
		s.onVoiceEnd(ctx)
	case arievents.TypeChannelDtmfReceived:
		s.onDtmf(ctx, ev.Digit)
	case arievents.TypePlaybackFinished:
		s.onPlaybackDone(ctx, ev.PlaybackID, false)
	case arievents.TypePlaybackFailed:
		s.onPlaybackDone(ctx, ev.PlaybackID, true)
	}
	return false
}
