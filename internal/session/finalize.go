package session

import (
	"context"

	"github.com/voxmediator/ari-mediator/internal/codec"
	"github.com/voxmediator/ari-mediator/internal/store"
)

// writeSTTRecording persists the retained raw µ-law frames (pre-buffer
// plus every live frame) as the call's STT recording, decoded to the
// canonical PCM16 format all recordings share (spec.md §6).
func (s *CallSession) writeSTTRecording() {
	if len(s.sttPCM) == 0 || s.deps.WriteRecording == nil {
		return
	}
	path := recordingPath("stt", s.channelID, s.callerID)
	if err := s.deps.WriteRecording(path, codec.UlawToPCM(s.sttPCM), audioFormat); err != nil {
		s.log.Warnw("failed writing stt recording", "error", err)
		return
	}
	s.sttRecordingPath = path
}

// finalize implements spec.md §4.7 step 13: write the outcome back to the
// switch's script variables, ask it to continue the dialplan, and persist
// the interaction record fire-and-forget. Idempotent: a session that has
// already reached Finalizing or Terminated is left untouched.
func (s *CallSession) finalize(ctx context.Context, outcome store.RecognitionMode) {
	if s.state == StateFinalizing || s.state == StateTerminated {
		return
	}
	s.state = StateFinalizing
	s.outcome = outcome

	switch outcome {
	case store.RecognitionVoice:
		s.setVarLogged(ctx, "TRANSCRIPT", s.transcript)
		s.setVarLogged(ctx, "RECOGNITION_MODE", string(store.RecognitionVoice))
	case store.RecognitionDTMF:
		s.setVarLogged(ctx, "DTMF_RESULT", s.keypadDigits.String())
		s.setVarLogged(ctx, "RECOGNITION_MODE", string(store.RecognitionDTMF))
	default:
		s.setVarLogged(ctx, "RECOGNITION_MODE", string(outcome))
	}

	if err := s.deps.Ari.ContinueInDialplan(ctx, s.channelID); err != nil {
		s.log.Warnw("failed continuing script", "error", err)
	}

	s.persistInteraction(outcome)

	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *CallSession) setVarLogged(ctx context.Context, name, value string) {
	if err := s.deps.Ari.SetVariable(ctx, s.channelID, name, value); err != nil {
		s.log.Warnw("failed writing script variable", "name", name, "error", err)
	}
}

// persistInteraction writes the interaction record without blocking the
// session's own teardown (spec.md §4.7 step 13: "fire-and-forget").
func (s *CallSession) persistInteraction(outcome store.RecognitionMode) {
	if s.deps.Store == nil {
		return
	}
	rec := store.InteractionRecord{
		UniqueID:             s.channelID,
		CallerID:             s.callerID,
		TextToSynthesize:     s.textToSpeak,
		SynthesizedAudioPath: s.ttsRecordingPath,
		SttAudioPath:         s.sttRecordingPath,
		RecognitionMode:      outcome,
		Transcript:           s.transcript,
		KeypadDigits:         s.keypadDigits.String(),
	}
	st := s.deps.Store
	log := s.log
	go func() {
		if err := st.PutInteraction(rec); err != nil {
			log.Warnw("failed persisting interaction record", "error", err)
		}
	}()
}

// cleanup implements spec.md §4.7 step 14: every teardown action is
// best-effort and idempotent. Exactly one invocation across the
// CallSession's lifetime performs the work (properties 3 and 5).
func (s *CallSession) cleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		if s.sessionTimer != nil {
			s.sessionTimer.Stop()
		}
		if s.noInputTimer != nil {
			s.noInputTimer.Stop()
		}
		if s.keypadTimer != nil {
			s.keypadTimer.Stop()
		}
		if s.vadActivationTimer != nil {
			s.vadActivationTimer.Stop()
		}

		if s.recStream != nil {
			s.recStream.Stop()
		}

		// Sweep every prompt artifact that never received its own
		// Finished/Failed signal (barge-in-dropped chunks, or a call that
		// ended mid-prompt), so no temporary WAV file outlives the call.
		if s.activePBPath != "" {
			s.removeArtifact(s.activePBPath)
			s.activePBPath = ""
		}
		for _, c := range s.pendingChunks {
			s.removeArtifact(c.path)
		}
		s.pendingChunks = nil
		for path, removed := range s.artifacts {
			if !removed {
				s.removeArtifact(path)
			}
		}

		if s.snoopChannelID != "" {
			if err := s.deps.Ari.Hangup(ctx, s.snoopChannelID); err != nil {
				s.log.Warnw("failed hanging up snoop channel", "error", err)
			}
		}
		if s.externalChID != "" {
			if err := s.deps.Ari.Hangup(ctx, s.externalChID); err != nil {
				s.log.Warnw("failed hanging up external media channel", "error", err)
			}
		}
		if s.snoopBridgeID != "" {
			if err := s.deps.Ari.DestroyBridge(ctx, s.snoopBridgeID); err != nil {
				s.log.Warnw("failed destroying snoop bridge", "error", err)
			}
		}
		if s.userBridgeID != "" {
			if err := s.deps.Ari.DestroyBridge(ctx, s.userBridgeID); err != nil {
				s.log.Warnw("failed destroying user bridge", "error", err)
			}
		}
		if s.rtp != nil {
			if err := s.rtp.Close(); err != nil {
				s.log.Warnw("failed closing rtp receiver", "error", err)
			}
		}

		s.state = StateTerminated
		s.log.Infow("call session cleaned up", "outcome", s.outcome)
	})
}
