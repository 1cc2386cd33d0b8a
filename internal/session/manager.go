package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/voxmediator/ari-mediator/internal/ariclient"
	"github.com/voxmediator/ari-mediator/internal/arievents"
	"github.com/voxmediator/ari-mediator/internal/config"
	"github.com/voxmediator/ari-mediator/internal/rtp"
	"github.com/voxmediator/ari-mediator/internal/wavfile"
)

// Manager is the CallSession registry: it answers and ignores internal
// (snoop/external-media) channels, spawns a CallSession per non-internal
// StasisStart, and routes every subsequent event to the owning session by
// channel id.
type Manager struct {
	deps       Deps
	processCfg config.EffectiveConfig

	log *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*CallSession
}

// NewManager builds a Manager. processCfg supplies the defaults each
// call's EffectiveConfig deep-clones from before APP_VAR_* overrides are
// applied.
func NewManager(deps Deps, processCfg config.EffectiveConfig) *Manager {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	log := deps.Log.Sugar()
	if deps.AllowList == nil {
		deps.AllowList = config.AllowList()
	}
	return &Manager{
		deps:       deps,
		processCfg: processCfg,
		log:        log,
		sessions:   make(map[string]*CallSession),
	}
}

// HandleEvent dispatches one call-control event: it resolves
// is_internal(channel) for StasisStart, spawns new CallSessions, and
// routes everything else to the owning session. PlaybackFinished/Failed
// events carry a playback id rather than a channel id, so they are
// broadcast to every live session; each session ignores events that do
// not match its own active playback id.
func (m *Manager) HandleEvent(ctx context.Context, ev arievents.Event) {
	if ev.Type == arievents.TypeStasisStart {
		if isInternal(ev.Args) {
			if err := m.deps.Ari.Answer(ctx, ev.ChannelID); err != nil {
				m.log.Warnw("failed answering internal channel", "channel_id", ev.ChannelID, "error", err)
			}
			return
		}
		m.startSession(ctx, ev)
		return
	}

	if ev.Type == arievents.TypePlaybackFinished || ev.Type == arievents.TypePlaybackFailed {
		for _, s := range m.snapshot() {
			s.Deliver(ev)
		}
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[ev.ChannelID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Deliver(ev)

	if ev.Type == arievents.TypeStasisEnd {
		m.remove(ev.ChannelID)
	}
}

func isInternal(args []string) bool {
	for _, a := range args {
		if a == "internal" {
			return true
		}
	}
	return false
}

func (m *Manager) startSession(ctx context.Context, ev arievents.Event) {
	cs := &CallSession{
		deps:        m.deps,
		cfg:         m.processCfg,
		log:         m.log.With("unique_id", ev.ChannelID, "caller_id", ev.CallerID),
		channelID:   ev.ChannelID,
		callerID:    ev.CallerID,
		state:       StateAnswering,
		ariEvents:   make(chan arievents.Event, 32),
		rtpFrames:   make(chan []byte, 256),
		done:        make(chan struct{}),
		finishedCh:  make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[ev.ChannelID] = cs
	m.mu.Unlock()

	go func() {
		cs.Run(ctx)
		m.remove(ev.ChannelID)
	}()
}

func (m *Manager) remove(channelID string) {
	m.mu.Lock()
	delete(m.sessions, channelID)
	m.mu.Unlock()
}

func (m *Manager) snapshot() []*CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// NewAriClient adapts internal/ariclient.Client's concrete type to the
// session package's narrower AriClient interface — purely structural,
// kept as a named conversion point so Manager construction reads clearly
// from cmd/mediator.
func NewAriClient(c *ariclient.Client) AriClient { return c }

// NewRTPListener adapts internal/rtp.Listen to the function shape Deps
// expects. Exported because the shape's return type is unexported
// (rtpReceiver); callers outside the package cannot spell that type, so
// they call this constructor instead of writing their own literal.
func NewRTPListener() listenFunc {
	return func(ip string, startPort, maxAttempts int, log *zap.SugaredLogger) (rtpReceiver, string, error) {
		r, addr, err := rtp.Listen(ip, startPort, maxAttempts, log)
		if err != nil {
			return nil, "", err
		}
		return r, addr, nil
	}
}

// NewFileRecordingWriter adapts internal/wavfile.Wrap plus a plain file
// write into the recordingWriter shape Deps expects, creating parent
// directories as needed (spec.md §6 persisted-state layout).
func NewFileRecordingWriter() recordingWriter {
	return func(path string, pcm []byte, format wavfile.Format) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, wavfile.Wrap(pcm, format), 0o644)
	}
}
