package session

import (
	"context"

	"github.com/voxmediator/ari-mediator/internal/synth"
)

// startPrompt begins spec.md §4.7 step 8. tts mode synthesizes text
// asynchronously and feeds chunks through s.synthChunks; playback mode
// plays the configured file directly. Either mode arms VAD once playback
// of the first (or only) chunk actually starts, when vad_activation_mode
// is after_prompt_start.
func (s *CallSession) startPrompt(ctx context.Context) {
	s.artifacts = make(map[string]bool)

	if s.cfg.PromptMode == "playback" {
		pb, err := s.deps.Ari.PlayOnBridge(ctx, s.userBridgeID, "sound:"+s.cfg.PlaybackFilePath)
		if err != nil {
			s.log.Warnw("playback prompt failed", "error", err)
			s.promptAbandoned = true
			s.armVAD(ctx)
			return
		}
		s.activePBID = pb.ID
		s.playing = true
		if s.cfg.VadActivationMode == "after_prompt_start" {
			s.armVADAfterDelay(ctx)
		}
		return
	}

	ch, err := s.deps.SynthAdapter.Synthesize(ctx, s.textToSpeak)
	if err != nil {
		s.log.Warnw("tts synthesis failed to start", "error", err)
		s.promptAbandoned = true
		s.armVAD(ctx)
		return
	}
	s.pumpSynthChunks(ch)
}

// pumpSynthChunks relays a synth.Adapter's channel onto s.synthChunks so
// the session's single select loop remains the only place state is
// touched.
func (s *CallSession) pumpSynthChunks(ch <-chan synth.Chunk) {
	out := make(chan synth.Chunk, 8)
	s.synthChunks = out
	go func() {
		defer close(out)
		for c := range ch {
			select {
			case out <- c:
			case <-s.done:
				return
			}
		}
	}()
}

// handleSynthChunk implements the tts branch of step 8: persist each
// chunk via the prompt cache and play it immediately if nothing is
// already playing, else queue it. Playback is strictly serialized:
// chunk N+1 only starts after chunk N's PlaybackFinished/Failed.
func (s *CallSession) handleSynthChunk(ctx context.Context, c synth.Chunk) {
	if c.Err != nil {
		s.log.Warnw("tts chunk error", "error", c.Err)
		s.synthDone = true
		s.promptAbandoned = true
		if !s.playing {
			s.maybeArmVADAfterPromptEnd(ctx)
		}
		return
	}
	if c.Final {
		s.synthDone = true
		if len(s.synthesizedPCM) > 0 {
			s.writeTTSRecording()
		}
		if !s.playing && len(s.pendingChunks) == 0 {
			s.maybeArmVADAfterPromptEnd(ctx)
		}
		return
	}

	s.synthesizedPCM = append(s.synthesizedPCM, c.PCM...)

	if s.bargeinFired {
		// Barge-in already stopped the prompt; keep accumulating PCM for
		// the recording but stop staging chunks for playback.
		return
	}

	path, mediaRef, err := s.deps.Cache.Put(c.PCM, audioFormat)
	if err != nil {
		s.log.Warnw("failed caching prompt chunk", "error", err)
		return
	}
	s.artifacts[path] = false

	if s.playing {
		s.pendingChunks = append(s.pendingChunks, promptChunk{pcm: c.PCM, path: path, mediaRef: mediaRef})
		return
	}
	s.playChunk(ctx, path, mediaRef)
}

func (s *CallSession) playChunk(ctx context.Context, path, mediaRef string) {
	pb, err := s.deps.Ari.PlayOnBridge(ctx, s.userBridgeID, mediaRef)
	if err != nil {
		s.log.Warnw("chunk playback failed", "error", err)
		s.removeArtifact(path)
		return
	}
	s.activePBID = pb.ID
	s.activePBPath = path
	s.playing = true

	if s.cfg.VadActivationMode == "after_prompt_start" && !s.vadArmed {
		s.armVADAfterDelay(ctx)
	}
}

// onPlaybackDone handles PlaybackFinished/PlaybackFailed for the
// session's currently active playback id; events for any other id
// (broadcast by the Manager to every live session) are ignored.
func (s *CallSession) onPlaybackDone(ctx context.Context, playbackID string, failed bool) {
	if playbackID != s.activePBID {
		return
	}
	s.playing = false
	s.activePBID = ""
	if failed {
		s.log.Warnw("playback failed", "playback_id", playbackID)
	}
	if s.activePBPath != "" {
		s.removeArtifact(s.activePBPath)
		s.activePBPath = ""
	}

	if s.cfg.PromptMode == "playback" {
		s.maybeArmVADAfterPromptEnd(ctx)
		return
	}

	if len(s.pendingChunks) > 0 {
		next := s.pendingChunks[0]
		s.pendingChunks = s.pendingChunks[1:]
		s.playChunk(ctx, next.path, next.mediaRef)
		return
	}

	if s.synthDone {
		s.maybeArmVADAfterPromptEnd(ctx)
	}
}

func (s *CallSession) maybeArmVADAfterPromptEnd(ctx context.Context) {
	if s.cfg.VadActivationMode == "after_prompt_end" && !s.vadArmed {
		s.armVAD(ctx)
	}
}

// armVADAfterDelay implements the after_prompt_start half of step 8: "VAD
// is armed once the first chunk begins (after vad_activation_delay_ms)".
// With no delay configured it arms immediately; otherwise it schedules
// armVAD off the session's own timer so the wait doesn't block the select
// loop.
func (s *CallSession) armVADAfterDelay(ctx context.Context) {
	if s.vadArmed || s.vadActivationTimer != nil {
		return
	}
	if s.cfg.VadActivationDelayMs <= 0 {
		s.armVAD(ctx)
		return
	}
	s.vadActivationTimer = newMillisTimer(s.cfg.VadActivationDelayMs)
}

// armVAD implements step 9: enter prebuffer mode, start the no-input
// timer, attach voice/keypad listeners (implicit: the session loop
// already selects on those event sources), and activate the switch's
// talk-detect feature.
func (s *CallSession) armVAD(ctx context.Context) {
	if s.vadArmed {
		return
	}
	s.vadArmed = true
	s.state = StateListening

	s.rtp.StartPreBuffering(s.cfg.RtpPrebufferSize)

	if s.cfg.NoInputTimeoutMs > 0 {
		s.noInputTimer = newMillisTimer(s.cfg.NoInputTimeoutMs)
	}

	if err := s.deps.Ari.SetTalkDetect(ctx, s.channelID, s.cfg.TalkDetectSilenceThreshold, s.cfg.TalkDetectSpeechThreshold); err != nil {
		s.log.Warnw("failed arming talk-detect", "error", err)
	}
}

// writeTTSRecording persists the full synthesized PCM as the call's TTS
// recording (spec.md §6 persisted-state layout).
func (s *CallSession) writeTTSRecording() {
	path := recordingPath("tts", s.channelID, s.callerID)
	if s.deps.WriteRecording == nil {
		return
	}
	if err := s.deps.WriteRecording(path, s.synthesizedPCM, audioFormat); err != nil {
		s.log.Warnw("failed writing tts recording", "error", err)
		return
	}
	s.ttsRecordingPath = path
}

// removeArtifact deletes a prompt cache artifact at most once, per the
// PromptArtifact ownership invariant (spec.md §3).
func (s *CallSession) removeArtifact(path string) {
	if removed, ok := s.artifacts[path]; ok && removed {
		return
	}
	if err := s.deps.Cache.Remove(path); err != nil {
		s.log.Warnw("failed removing prompt artifact", "path", path, "error", err)
	}
	s.artifacts[path] = true
}
