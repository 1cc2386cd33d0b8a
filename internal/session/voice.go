package session

import (
	"context"

	"github.com/voxmediator/ari-mediator/internal/codec"
	"github.com/voxmediator/ari-mediator/internal/recognizer"
	"github.com/voxmediator/ari-mediator/internal/store"
)

// onVoiceStart implements spec.md §4.7 step 10. It is one-shot: once the
// session has left Listening, further talk-detect triggers are ignored
// rather than unsubscribed, since the session loop has no separate
// listener handles to detach.
func (s *CallSession) onVoiceStart(ctx context.Context) {
	if s.state != StateListening {
		return
	}
	if s.noInputTimer != nil {
		s.noInputTimer.Stop()
	}

	if s.playing {
		s.bargeinFired = true
		if err := s.deps.Ari.StopPlayback(ctx, s.activePBID); err != nil {
			s.log.Warnw("failed stopping playback for barge-in", "error", err)
		}
		s.playing = false
		// Residual queue length must be zero for any future playback call;
		// the artifacts these chunks staged are swept in cleanup rather
		// than removed here, since they never received a Finished/Failed
		// signal of their own.
		s.pendingChunks = nil
	}

	preroll := s.rtp.StopPreBufferingAndFlush()
	s.sttPCM = append(s.sttPCM, preroll...)

	stream, err := s.deps.RecognizerAdapter.Start(ctx)
	if err != nil {
		// RecognizerError: resolve as an empty transcript and continue the
		// script rather than failing the call outright.
		s.log.Warnw("failed starting recognizer session", "error", err)
		s.state = StateRecognizing
		s.transcript = ""
		s.finalize(ctx, store.RecognitionVoice)
		return
	}
	s.recStream = stream
	s.recEvents = stream.Events()

	if len(preroll) > 0 {
		if err := stream.Write(codec.UlawToPCM(preroll)); err != nil {
			s.log.Warnw("failed writing pre-buffer to recognizer", "error", err)
		}
	}

	s.rtp.SubscribeLive(func(frame []byte) {
		select {
		case s.rtpFrames <- frame:
		case <-s.done:
		}
	})

	s.state = StateRecognizing
}

// handleRtpFrame routes one live (post voice-start) µ-law frame to the
// open recognizer stream, retaining a raw copy for the STT recording.
func (s *CallSession) handleRtpFrame(ctx context.Context, frame []byte) {
	_ = ctx
	s.sttPCM = append(s.sttPCM, frame...)
	if s.recStream == nil {
		return
	}
	if err := s.recStream.Write(codec.UlawToPCM(frame)); err != nil {
		s.log.Warnw("failed writing live frame to recognizer", "error", err)
	}
}

// onVoiceEnd implements step 11: request the recognizer stop and wait for
// its terminal RecognitionEnded/RecognitionError event to drive Finalizing.
func (s *CallSession) onVoiceEnd(ctx context.Context) {
	_ = ctx
	if s.state != StateRecognizing || s.keypadMode || s.recStream == nil {
		return
	}
	s.recStream.Stop()
}

// onDtmf implements step 12: the first digit switches recognition mode to
// keypad, cancelling the voice path and performing barge-in if the prompt
// is still playing; each subsequent digit (re)arms the completion timer.
func (s *CallSession) onDtmf(ctx context.Context, digit string) {
	if !s.cfg.EnableDTMF || !s.vadArmed {
		return
	}

	if !s.keypadMode {
		s.keypadMode = true
		if s.noInputTimer != nil {
			s.noInputTimer.Stop()
		}
		if s.recStream != nil {
			s.recStream.Stop()
			s.recStream = nil
			s.recEvents = nil
		}
		if s.playing {
			s.bargeinFired = true
			if err := s.deps.Ari.StopPlayback(ctx, s.activePBID); err != nil {
				s.log.Warnw("failed stopping playback for keypad barge-in", "error", err)
			}
			s.playing = false
			s.pendingChunks = nil
		}
		s.state = StateRecognizing
	}

	s.keypadDigits.WriteString(digit)
	if s.keypadTimer != nil {
		s.keypadTimer.Stop()
	}
	s.keypadTimer = newMillisTimer(s.cfg.DtmfCompletionTimeoutMs)
}

// handleRecognizerEvent implements the Recognizing/RecognitionEnded/
// RecognitionError branch of the state machine.
func (s *CallSession) handleRecognizerEvent(ctx context.Context, ev recognizer.Event) {
	switch ev.Type {
	case recognizer.EventRecognizing:
		s.log.Debugw("partial transcript", "text", ev.Partial)
	case recognizer.EventRecognitionEnded:
		s.transcript = ev.Final
		s.writeSTTRecording()
		s.finalize(ctx, store.RecognitionVoice)
	case recognizer.EventRecognitionError:
		s.log.Warnw("recognizer error, resolving empty transcript", "error", ev.Err)
		s.transcript = ""
		s.writeSTTRecording()
		s.finalize(ctx, store.RecognitionVoice)
	}
}
