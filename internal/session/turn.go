package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/robolink/voice-gateway/internal/metrics"
)

// ttsMarker brackets an outbound frame sequence on the device transport.
type ttsMarker struct {
	Type       string `json:"type"`
	State      string `json:"state"`
	Text       string `json:"text,omitempty"`
	FrameCount int    `json:"frame_count,omitempty"`
}

// runTurn executes one conversational turn off the read path. The busy flag
// is already held; every exit path releases it. Failures before the start
// marker produce no output at all; once the start marker is sent, the end
// marker always follows.
func (s *Session) runTurn(transcript string) {
	defer s.wg.Done()

	metrics.ActiveTurns.Inc()
	defer metrics.ActiveTurns.Dec()
	start := time.Now()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TurnTimeout)
	defer cancel()

	params := s.params.Snapshot()

	agentStart := time.Now()
	res, err := s.executor.Execute(ctx, transcript, params)
	if err != nil {
		s.logger.Warn("agent turn failed", zap.Error(err))
		s.finishTurn("agent_error")
		return
	}
	agentMs := float64(time.Since(agentStart).Milliseconds())
	s.logger.Info("agent reply",
		zap.String("text", res.Text),
		zap.Bool("hasAudio", res.AudioURL != ""),
		zap.Float64("agentMs", agentMs))

	var frames [][]byte
	if res.AudioURL != "" {
		body, err := s.executor.FetchAudio(ctx, res.AudioURL)
		if err != nil {
			s.logger.Warn("reply audio fetch failed", zap.Error(err))
			s.finishTurn("fetch_error")
			return
		}
		pcm, err := s.transcoder.ToPCM(ctx, body)
		if err != nil {
			s.logger.Warn("reply audio transcode failed", zap.Error(err))
			s.finishTurn("transcode_error")
			return
		}
		frames, err = s.encoder.EncodeAll(pcm)
		if err != nil {
			metrics.EncodeErrorsTotal.Inc()
			s.logger.Warn("reply audio encode failed", zap.Error(err))
			s.finishTurn("encode_error")
			return
		}
	}

	startMarker, _ := json.Marshal(ttsMarker{
		Type:       "tts",
		State:      "start",
		Text:       res.Text,
		FrameCount: len(frames),
	})
	if err := s.transport.WriteText(startMarker); err != nil {
		s.logger.Warn("start marker send failed", zap.Error(err))
		s.finishTurn("transport_error")
		return
	}

	sendStart := time.Now()
	sent := s.sendFrames(ctx, frames)

	// The end marker is sent unconditionally once the start marker is out,
	// even when the frame loop stopped early.
	endMarker, _ := json.Marshal(ttsMarker{Type: "tts", State: "end"})
	if err := s.transport.WriteText(endMarker); err != nil {
		s.logger.Warn("end marker send failed", zap.Error(err))
	}

	// Sending outpaces playback, so the device is still draining its buffer
	// when the last frame leaves. Hold the busy gate until the estimated
	// playback finishes, or for the fallback delay on a text-only reply.
	var wait time.Duration
	if sent > 0 {
		playback := time.Duration(sent) * s.cfg.FrameDuration
		wait = playback - time.Since(sendStart)
		if wait < 0 {
			wait = 0
		}
	} else {
		wait = s.cfg.FallbackIdleDelay
	}

	select {
	case <-time.After(wait):
	case <-s.ctx.Done():
	}

	if s.history != nil && res.Text != "" {
		s.history(transcript, res.Text)
	}

	totalMs := float64(time.Since(start).Milliseconds())
	metrics.TurnLatency.WithLabelValues("agent").Observe(agentMs)
	metrics.TurnLatency.WithLabelValues("total").Observe(totalMs)
	s.finishTurn("success")
	s.logger.Info("turn complete",
		zap.Int("framesSent", sent),
		zap.Float64("totalMs", totalMs))
}

// sendFrames delivers the encoded frame sequence with the enforced minimum
// inter-frame interval. Cancellation and transport errors stop the loop;
// the number of frames actually delivered is returned.
func (s *Session) sendFrames(ctx context.Context, frames [][]byte) int {
	sent := 0
	for _, frame := range frames {
		select {
		case <-ctx.Done():
			return sent
		default:
		}
		if err := s.transport.WriteBinary(frame); err != nil {
			s.logger.Warn("frame send failed, stopping turn output", zap.Error(err))
			return sent
		}
		sent++
		metrics.FramesSentTotal.Inc()

		select {
		case <-ctx.Done():
			return sent
		case <-time.After(s.cfg.PaceInterval):
		}
	}
	return sent
}

func (s *Session) finishTurn(outcome string) {
	metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	s.busy.Store(false)
}
