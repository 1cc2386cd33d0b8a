package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/voxmediator/ari-mediator/internal/ariclient"
	"github.com/voxmediator/ari-mediator/internal/recognizer"
	"github.com/voxmediator/ari-mediator/internal/store"
	"github.com/voxmediator/ari-mediator/internal/synth"
	"github.com/voxmediator/ari-mediator/internal/wavfile"
)

// fakeAri is a fully in-memory stand-in for AriClient, recording every
// call so tests can assert on the orchestrator's switch-facing behavior.
type fakeAri struct {
	mu sync.Mutex

	variables      map[string]string
	setVariables   map[string]string
	hangups        []string
	bridgesCreated int
	bridgesDestroyed []string
	addedToBridge  map[string][]string
	playbackSeq    int
	stoppedPlaybacks []string
	talkDetect     []string
	continued      []string
}

func newFakeAri() *fakeAri {
	return &fakeAri{
		variables:     map[string]string{},
		setVariables:  map[string]string{},
		addedToBridge: map[string][]string{},
	}
}

func (f *fakeAri) Answer(ctx context.Context, channelID string) error { return nil }

func (f *fakeAri) Hangup(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channelID)
	return nil
}

func (f *fakeAri) ContinueInDialplan(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, channelID)
	return nil
}

func (f *fakeAri) GetVariablesAllowList(ctx context.Context, channelID string, allowList []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for _, name := range allowList {
		if v, ok := f.variables[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

func (f *fakeAri) SetVariable(ctx context.Context, channelID, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setVariables[name] = value
	return nil
}

func (f *fakeAri) SetTalkDetect(ctx context.Context, channelID string, silenceMs, speechThreshold int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.talkDetect = append(f.talkDetect, fmt.Sprintf("%d,%d", silenceMs, speechThreshold))
	return nil
}

func (f *fakeAri) CreateBridge(ctx context.Context, bridgeType string) (*ariclient.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridgesCreated++
	return &ariclient.Bridge{ID: fmt.Sprintf("bridge-%d", f.bridgesCreated), Type: bridgeType}, nil
}

func (f *fakeAri) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedToBridge[bridgeID] = append(f.addedToBridge[bridgeID], channelID)
	return nil
}

func (f *fakeAri) RemoveChannel(ctx context.Context, bridgeID, channelID string) error { return nil }

func (f *fakeAri) DestroyBridge(ctx context.Context, bridgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridgesDestroyed = append(f.bridgesDestroyed, bridgeID)
	return nil
}

func (f *fakeAri) SnoopChannel(ctx context.Context, channelID, app, spy, appArgs string) (*ariclient.Channel, error) {
	return &ariclient.Channel{ID: "snoop-1"}, nil
}

func (f *fakeAri) CreateExternalMedia(ctx context.Context, p ariclient.ExternalMediaParams) (*ariclient.Channel, error) {
	return &ariclient.Channel{ID: "extmedia-1"}, nil
}

func (f *fakeAri) PlayOnBridge(ctx context.Context, bridgeID, mediaURI string) (*ariclient.Playback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playbackSeq++
	return &ariclient.Playback{ID: fmt.Sprintf("pb-%d", f.playbackSeq)}, nil
}

func (f *fakeAri) StopPlayback(ctx context.Context, playbackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stoppedPlaybacks = append(f.stoppedPlaybacks, playbackID)
	return nil
}

func (f *fakeAri) snapshotSetVar(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setVariables[name]
}

// fakeRTP is an in-memory stand-in for the RTP receiver.
type fakeRTP struct {
	mu          sync.Mutex
	preroll     []byte
	closed      int
	liveSink    func([]byte)
	errCh       chan error
	preBufStart int
}

func newFakeRTP(preroll []byte) *fakeRTP {
	return &fakeRTP{preroll: preroll, errCh: make(chan error, 1)}
}

func (r *fakeRTP) StartPreBuffering(capacityFrames int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preBufStart++
}

func (r *fakeRTP) StopPreBufferingAndFlush() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preroll
}

func (r *fakeRTP) SubscribeLive(sink func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveSink = sink
}

func (r *fakeRTP) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *fakeRTP) Errors() <-chan error { return r.errCh }

func (r *fakeRTP) deliverLive(frame []byte) {
	r.mu.Lock()
	sink := r.liveSink
	r.mu.Unlock()
	if sink != nil {
		sink(frame)
	}
}

// fakeRecognizerAdapter counts how many push streams it has opened.
type fakeRecognizerAdapter struct {
	mu      sync.Mutex
	starts  int
	streams []*fakeStream
}

func (a *fakeRecognizerAdapter) Start(ctx context.Context) (recognizer.PushStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	s := &fakeStream{events: make(chan recognizer.Event, 8)}
	a.streams = append(a.streams, s)
	return s, nil
}

func (a *fakeRecognizerAdapter) startCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts
}

type fakeStream struct {
	mu      sync.Mutex
	written [][]byte
	stopped bool
	events  chan recognizer.Event
}

func (s *fakeStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, pcm)
	return nil
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.events <- recognizer.Event{Type: recognizer.EventRecognitionEnded, Final: "hello world"}
}

func (s *fakeStream) Events() <-chan recognizer.Event { return s.events }

// fakeSynthAdapter emits a fixed sequence of chunks.
type fakeSynthAdapter struct {
	chunks []synth.Chunk
}

func (a *fakeSynthAdapter) Synthesize(ctx context.Context, text string) (<-chan synth.Chunk, error) {
	out := make(chan synth.Chunk, len(a.chunks))
	for _, c := range a.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func pcmChunks(n int, sizePerChunk int) []synth.Chunk {
	out := make([]synth.Chunk, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, synth.Chunk{PCM: make([]byte, sizePerChunk)})
	}
	out = append(out, synth.Chunk{Final: true})
	return out
}

// fakeCache stages PCM as an in-memory path without touching disk.
type fakeCache struct {
	mu      sync.Mutex
	seq     int
	removed map[string]bool
}

func newFakeCache() *fakeCache { return &fakeCache{removed: map[string]bool{}} }

func (c *fakeCache) Put(pcm []byte, format wavfile.Format) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	path := fmt.Sprintf("/tmp/fake-cache/%d.wav", c.seq)
	c.removed[path] = false
	return path, "sound:" + path, nil
}

func (c *fakeCache) Remove(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed[path] = true
	return nil
}

func (c *fakeCache) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, removed := range c.removed {
		if !removed {
			n++
		}
	}
	return n
}

// fakeStore records the last persisted interaction.
type fakeStore struct {
	mu   sync.Mutex
	last *store.InteractionRecord
}

func (s *fakeStore) PutInteraction(rec store.InteractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rec
	s.last = &r
	return nil
}

func (s *fakeStore) get() *store.InteractionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func noopRecordingWriter(path string, pcm []byte, format wavfile.Format) error { return nil }

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }
