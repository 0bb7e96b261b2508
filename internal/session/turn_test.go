package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robolink/voice-gateway/internal/agent"
	"github.com/robolink/voice-gateway/internal/audio"
)

// waitTurnDone waits for the nth turn to have started and the session to be
// idle again. Checking the executor call count first avoids the window where
// the transcript has been sent but the turn goroutine has not begun.
func waitTurnDone(t *testing.T, fx *sessionFixture, calls int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fx.executor.callCount() >= calls && !fx.sess.Busy()
	}, 3*time.Second, time.Millisecond)
}

func decodeMarker(t *testing.T, raw []byte) ttsMarker {
	t.Helper()
	var m ttsMarker
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestAudioTurnSendsMarkersAndFrames(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.executor.result = &agent.TurnResult{
		Text:     "turning left",
		AudioURL: "https://cdn.example.com/reply.mp3",
	}
	// Three frames of PCM; the transcoder passes it through unchanged.
	fx.executor.audio = make([]byte, 3*audio.FrameSamples*2)

	fx.rec(0).transcripts <- "turn left"
	waitTurnDone(t, fx, 1)

	require.Equal(t, 2, fx.transport.textCount())
	start := decodeMarker(t, fx.transport.texts[0])
	assert.Equal(t, "tts", start.Type)
	assert.Equal(t, "start", start.State)
	assert.Equal(t, "turning left", start.Text)
	assert.Equal(t, 3, start.FrameCount)

	end := decodeMarker(t, fx.transport.texts[1])
	assert.Equal(t, "tts", end.Type)
	assert.Equal(t, "end", end.State)

	assert.Equal(t, 3, fx.transport.binaryCount())
}

func TestTextOnlyTurnHoldsFallbackDelay(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackIdleDelay = 60 * time.Millisecond

	fx := newFixture(t, cfg)
	fx.executor.result = &agent.TurnResult{Text: "just words"}

	begin := time.Now()
	fx.rec(0).transcripts <- "say something"
	require.Eventually(t, fx.sess.Busy, time.Second, time.Millisecond)
	waitTurnDone(t, fx, 1)

	// No frames, but the gate still held for the fallback delay.
	assert.GreaterOrEqual(t, time.Since(begin), 60*time.Millisecond)
	assert.Equal(t, 0, fx.transport.binaryCount())

	require.Equal(t, 2, fx.transport.textCount())
	start := decodeMarker(t, fx.transport.texts[0])
	assert.Equal(t, 0, start.FrameCount)
}

func TestBusyHeldUntilPlaybackEstimate(t *testing.T) {
	cfg := testConfig()
	cfg.FrameDuration = 30 * time.Millisecond
	cfg.PaceInterval = time.Millisecond

	fx := newFixture(t, cfg)
	fx.executor.result = &agent.TurnResult{
		Text:     "long reply",
		AudioURL: "https://cdn.example.com/reply.mp3",
	}
	fx.executor.audio = make([]byte, 4*audio.FrameSamples*2)

	begin := time.Now()
	fx.rec(0).transcripts <- "tell me a story"
	require.Eventually(t, fx.sess.Busy, time.Second, time.Millisecond)
	waitTurnDone(t, fx, 1)

	// Four frames at 30ms playback each: the gate cannot release before the
	// device has had time to drain, regardless of how fast sending went.
	assert.GreaterOrEqual(t, time.Since(begin), 120*time.Millisecond)
	assert.Equal(t, 4, fx.transport.binaryCount())
}

func TestAgentErrorProducesNoOutput(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.executor.result = nil
	fx.executor.err = assert.AnError

	fx.rec(0).transcripts <- "hello"
	waitTurnDone(t, fx, 1)

	assert.Equal(t, 0, fx.transport.textCount())
	assert.Equal(t, 0, fx.transport.binaryCount())
}

func TestTransportErrorReleasesBusy(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.executor.result = &agent.TurnResult{Text: "reply"}
	fx.transport.mu.Lock()
	fx.transport.writeErr = assert.AnError
	fx.transport.mu.Unlock()

	fx.rec(0).transcripts <- "hello"
	waitTurnDone(t, fx, 1)

	// The session must accept the next utterance after a transport failure.
	fx.transport.mu.Lock()
	fx.transport.writeErr = nil
	fx.transport.mu.Unlock()

	fx.rec(0).transcripts <- "again"
	require.Eventually(t, func() bool { return fx.executor.callCount() == 2 }, time.Second, time.Millisecond)
}

func TestCompletedTurnRecordsHistory(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.executor.result = &agent.TurnResult{Text: "the answer"}

	fx.rec(0).transcripts <- "the question"
	waitTurnDone(t, fx, 1)

	require.Eventually(t, func() bool {
		fx.histMu.Lock()
		defer fx.histMu.Unlock()
		return len(fx.history) == 1
	}, time.Second, time.Millisecond)

	fx.histMu.Lock()
	defer fx.histMu.Unlock()
	assert.Equal(t, "the question|the answer", fx.history[0])
}

func TestSequentialTurns(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.executor.result = &agent.TurnResult{Text: "reply"}

	fx.rec(0).transcripts <- "one"
	waitTurnDone(t, fx, 1)
	fx.rec(0).transcripts <- "two"
	waitTurnDone(t, fx, 2)

	// Two full marker pairs.
	assert.Equal(t, 4, fx.transport.textCount())
}
