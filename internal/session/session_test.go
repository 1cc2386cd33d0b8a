package session

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voxmediator/ari-mediator/internal/arievents"
	"github.com/voxmediator/ari-mediator/internal/config"
	"github.com/voxmediator/ari-mediator/internal/store"
	"github.com/voxmediator/ari-mediator/internal/synth"
)

type testRig struct {
	ari   *fakeAri
	rtp   *fakeRTP
	rec   *fakeRecognizerAdapter
	synth *fakeSynthAdapter
	cache *fakeCache
	store *fakeStore
	cs    *CallSession
}

func newTestRig(t *testing.T, cfg config.EffectiveConfig, chunks []synth.Chunk) *testRig {
	t.Helper()

	ari := newFakeAri()
	rtp := newFakeRTP(nil)
	rec := &fakeRecognizerAdapter{}
	synthAdapter := &fakeSynthAdapter{chunks: chunks}
	cache := newFakeCache()
	st := &fakeStore{}

	deps := Deps{
		Ari:               ari,
		AppName:           "mediator",
		RecognizerAdapter: rec,
		SynthAdapter:      synthAdapter,
		Store:             st,
		Cache:             cache,
		Listen: func(ip string, startPort, maxAttempts int, log *zap.SugaredLogger) (rtpReceiver, string, error) {
			return rtp, "127.0.0.1:34000", nil
		},
		WriteRecording: noopRecordingWriter,
		AllowList:      []string{"TEXT_TO_SPEAK"},
	}

	cs := &CallSession{
		deps:       deps,
		cfg:        cfg,
		log:        testLogger(),
		channelID:  "chan-1",
		callerID:   "+15551234567",
		state:      StateAnswering,
		ariEvents:  make(chan arievents.Event, 32),
		rtpFrames:  make(chan []byte, 32),
		done:       make(chan struct{}),
		finishedCh: make(chan struct{}),
	}

	return &testRig{ari: ari, rtp: rtp, rec: rec, synth: synthAdapter, cache: cache, store: st, cs: cs}
}

func waitDone(t *testing.T, cs *CallSession, d time.Duration) {
	t.Helper()
	select {
	case <-cs.Done():
	case <-time.After(d):
		t.Fatalf("session did not finish within %s", d)
	}
}

func TestPlaybackModeHappyPathCleansUpExactlyOnce(t *testing.T) {
	cfg := config.EffectiveConfig{
		PromptMode:                 "playback",
		PlaybackFilePath:           "welcome.wav",
		VadActivationMode:          "after_prompt_start",
		TalkDetectSilenceThreshold: 1200,
		TalkDetectSpeechThreshold:  500,
		RtpPrebufferSize:           50,
	}
	rig := newTestRig(t, cfg, nil)
	cs := rig.cs

	ctx := context.Background()
	go cs.Run(ctx)

	// Give bootstrap a moment to build topology and start the prompt.
	time.Sleep(20 * time.Millisecond)

	cs.Deliver(arievents.Event{Type: arievents.TypePlaybackFinished, PlaybackID: "pb-1"})
	time.Sleep(10 * time.Millisecond)
	cs.Deliver(arievents.Event{Type: arievents.TypeChannelTalkingStarted})
	time.Sleep(10 * time.Millisecond)

	rig.rtp.deliverLive(make([]byte, 160))
	time.Sleep(10 * time.Millisecond)

	cs.Deliver(arievents.Event{Type: arievents.TypeChannelTalkingFinished})

	waitDone(t, cs, 2*time.Second)

	if rig.rec.startCount() != 1 {
		t.Fatalf("expected exactly one recognizer stream, got %d", rig.rec.startCount())
	}
	if got := rig.ari.snapshotSetVar("TRANSCRIPT"); got != "hello world" {
		t.Fatalf("expected transcript variable to be set, got %q", got)
	}
	// persistInteraction fires its store write in a detached goroutine
	// (spec.md's "fire-and-forget" requirement), so give it a moment to
	// land after Done() has already fired.
	deadline := time.Now().Add(time.Second)
	for rig.store.get() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if rig.store.get() == nil {
		t.Fatal("expected an interaction record to be persisted")
	}
	if rig.rtp.closed != 1 {
		t.Fatalf("expected rtp receiver closed exactly once, got %d", rig.rtp.closed)
	}
	if len(rig.ari.bridgesDestroyed) != 2 {
		t.Fatalf("expected both bridges destroyed, got %v", rig.ari.bridgesDestroyed)
	}
	if len(rig.ari.hangups) != 2 {
		t.Fatalf("expected both internal channels hung up, got %v", rig.ari.hangups)
	}
	if n := rig.cache.outstanding(); n != 0 {
		t.Fatalf("expected no outstanding cached artifacts, got %d", n)
	}

	// cleanup must be idempotent: calling it again directly must not
	// double the teardown calls (property 5).
	cs.cleanup(ctx)
	if len(rig.ari.bridgesDestroyed) != 2 {
		t.Fatalf("cleanup ran twice: bridges destroyed %v", rig.ari.bridgesDestroyed)
	}
	if rig.rtp.closed != 1 {
		t.Fatalf("cleanup ran twice: rtp closed %d times", rig.rtp.closed)
	}
}

func TestTTSBargeInClearsPendingQueue(t *testing.T) {
	cfg := config.EffectiveConfig{
		PromptMode:                 "tts",
		VadActivationMode:          "after_prompt_start",
		TalkDetectSilenceThreshold: 1200,
		TalkDetectSpeechThreshold:  500,
		RtpPrebufferSize:           50,
	}
	chunks := []synth.Chunk{
		{PCM: make([]byte, 320)},
		{PCM: make([]byte, 320)},
		{PCM: make([]byte, 320)},
		{Final: true},
	}
	rig := newTestRig(t, cfg, chunks)
	cs := rig.cs
	rig.ari.variables["TEXT_TO_SPEAK"] = "welcome to the service"

	ctx := context.Background()
	go cs.Run(ctx)

	// Let the first chunk start playing before the barge-in fires, so
	// at least one chunk is queued behind it.
	time.Sleep(30 * time.Millisecond)

	cs.Deliver(arievents.Event{Type: arievents.TypeChannelTalkingStarted})
	time.Sleep(20 * time.Millisecond)

	if len(cs.pendingChunks) != 0 {
		t.Fatalf("expected pending chunk queue to be empty after barge-in, got %d", len(cs.pendingChunks))
	}
	if len(rig.ari.stoppedPlaybacks) == 0 {
		t.Fatal("expected the active playback to have been stopped for barge-in")
	}

	cs.Deliver(arievents.Event{Type: arievents.TypeChannelTalkingFinished})
	waitDone(t, cs, 2*time.Second)

	if n := rig.cache.outstanding(); n != 0 {
		t.Fatalf("expected barge-in-dropped chunk artifacts swept by cleanup, got %d outstanding", n)
	}
}

func TestVadActivationDelayDefersArming(t *testing.T) {
	cfg := config.EffectiveConfig{
		PromptMode:                 "playback",
		PlaybackFilePath:           "welcome.wav",
		VadActivationMode:          "after_prompt_start",
		VadActivationDelayMs:       60,
		TalkDetectSilenceThreshold: 1200,
		TalkDetectSpeechThreshold:  500,
		RtpPrebufferSize:           50,
	}
	rig := newTestRig(t, cfg, nil)
	cs := rig.cs

	ctx := context.Background()
	go cs.Run(ctx)

	// Prompt playback has started well before vad_activation_delay_ms
	// elapses; VAD must not be armed yet.
	time.Sleep(20 * time.Millisecond)
	if cs.vadArmed {
		t.Fatal("expected VAD to remain unarmed before the activation delay elapses")
	}

	// Past the delay, the session's own timer should have armed it without
	// any external event.
	time.Sleep(100 * time.Millisecond)
	if !cs.vadArmed {
		t.Fatal("expected VAD to be armed once the activation delay elapsed")
	}

	cs.Deliver(arievents.Event{Type: arievents.TypePlaybackFinished, PlaybackID: "pb-1"})
	time.Sleep(10 * time.Millisecond)
	cs.Deliver(arievents.Event{Type: arievents.TypeChannelTalkingStarted})
	time.Sleep(10 * time.Millisecond)
	cs.Deliver(arievents.Event{Type: arievents.TypeChannelTalkingFinished})
	waitDone(t, cs, 2*time.Second)
}

func TestPlaybackModeRespectsAfterPromptEndMode(t *testing.T) {
	cfg := config.EffectiveConfig{
		PromptMode:                 "playback",
		PlaybackFilePath:           "welcome.wav",
		VadActivationMode:          "after_prompt_end",
		TalkDetectSilenceThreshold: 1200,
		TalkDetectSpeechThreshold:  500,
		RtpPrebufferSize:           50,
	}
	rig := newTestRig(t, cfg, nil)
	cs := rig.cs

	ctx := context.Background()
	go cs.Run(ctx)

	// Playback has started but has not finished; after_prompt_end must not
	// arm VAD yet.
	time.Sleep(20 * time.Millisecond)
	if cs.vadArmed {
		t.Fatal("expected VAD to remain unarmed while the prompt is still playing in after_prompt_end mode")
	}

	cs.Deliver(arievents.Event{Type: arievents.TypePlaybackFinished, PlaybackID: "pb-1"})
	time.Sleep(10 * time.Millisecond)
	if !cs.vadArmed {
		t.Fatal("expected VAD to be armed once the prompt playback finished")
	}

	cs.Deliver(arievents.Event{Type: arievents.TypeChannelTalkingStarted})
	time.Sleep(10 * time.Millisecond)
	cs.Deliver(arievents.Event{Type: arievents.TypeChannelTalkingFinished})
	waitDone(t, cs, 2*time.Second)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	cfg := config.EffectiveConfig{PromptMode: "playback", PlaybackFilePath: "x.wav"}
	rig := newTestRig(t, cfg, nil)
	cs := rig.cs
	cs.state = StateListening

	ctx := context.Background()
	cs.finalize(ctx, store.RecognitionNoInput)
	firstVar := rig.ari.snapshotSetVar("RECOGNITION_MODE")

	cs.finalize(ctx, store.RecognitionError)
	secondVar := rig.ari.snapshotSetVar("RECOGNITION_MODE")

	if firstVar != secondVar {
		t.Fatalf("finalize ran twice: RECOGNITION_MODE changed from %q to %q", firstVar, secondVar)
	}
	if secondVar != string(store.RecognitionNoInput) {
		t.Fatalf("expected first finalize outcome to stick, got %q", secondVar)
	}
}
