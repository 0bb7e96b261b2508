package session

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/robolink/voice-gateway/internal/agent"
	"github.com/robolink/voice-gateway/internal/audio"
	"github.com/robolink/voice-gateway/internal/settings"
	"github.com/robolink/voice-gateway/internal/testutil"
)

type fakeTransport struct {
	mu       sync.Mutex
	texts    [][]byte
	binaries [][]byte
	pings    int
	pingErr  error
	writeErr error
	closed   bool
}

func (f *fakeTransport) WriteText(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	f.texts = append(f.texts, cp)
	return nil
}

func (f *fakeTransport) WriteBinary(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.binaries = append(f.binaries, cp)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) textCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func (f *fakeTransport) binaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.binaries)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeRecognizer struct {
	mu          sync.Mutex
	token       string
	pushed      [][]byte
	pushErr     error
	transcripts chan string
	stopOnce    sync.Once
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{transcripts: make(chan string, 8)}
}

func (f *fakeRecognizer) Start(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	return nil
}

func (f *fakeRecognizer) Push(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, pcm)
	return nil
}

func (f *fakeRecognizer) Transcripts() <-chan string { return f.transcripts }

func (f *fakeRecognizer) Stop() {
	f.stopOnce.Do(func() { close(f.transcripts) })
}

func (f *fakeRecognizer) startToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeRecognizer) setPushErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushErr = err
}

func (f *fakeRecognizer) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

func (f *fakeRecognizer) lastPushed() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushed) == 0 {
		return nil
	}
	return f.pushed[len(f.pushed)-1]
}

type fakeExecutor struct {
	mu      sync.Mutex
	result  *agent.TurnResult
	err     error
	audio   []byte
	calls   int
	blockCh chan struct{} // when set, Execute blocks until closed
}

func (f *fakeExecutor) Execute(ctx context.Context, transcript string, params settings.VoiceParams) (*agent.TurnResult, error) {
	f.mu.Lock()
	f.calls++
	block := f.blockCh
	res, err := f.result, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return res, err
}

func (f *fakeExecutor) FetchAudio(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTranscoder struct{}

func (fakeTranscoder) ToPCM(ctx context.Context, in []byte) ([]byte, error) {
	// Pass through: tests feed PCM directly.
	return in, nil
}

type fakeTokens struct{}

func (fakeTokens) Token(ctx context.Context) (string, error) { return "tok", nil }

type sessionFixture struct {
	sess      *Session
	transport *fakeTransport
	executor  *fakeExecutor
	recs      []*fakeRecognizer
	recMu     sync.Mutex
	history   []string
	histMu    sync.Mutex
}

func (fx *sessionFixture) rec(i int) *fakeRecognizer {
	fx.recMu.Lock()
	defer fx.recMu.Unlock()
	return fx.recs[i]
}

func (fx *sessionFixture) recCount() int {
	fx.recMu.Lock()
	defer fx.recMu.Unlock()
	return len(fx.recs)
}

// quick timing for tests: pacing and playback wind down in milliseconds.
func testConfig() Config {
	return Config{
		HeartbeatInterval: time.Hour,
		KeepAliveInterval: time.Hour,
		KeepAliveGap:      time.Hour,
		FrameDuration:     5 * time.Millisecond,
		PaceInterval:      time.Millisecond,
		FallbackIdleDelay: 20 * time.Millisecond,
		TurnTimeout:       5 * time.Second,
	}
}

func newFixture(t *testing.T, cfg Config) *sessionFixture {
	fx := &sessionFixture{
		transport: &fakeTransport{},
		executor:  &fakeExecutor{result: &agent.TurnResult{Text: "ok"}},
	}

	factory := func() Recognizer {
		r := newFakeRecognizer()
		fx.recMu.Lock()
		fx.recs = append(fx.recs, r)
		fx.recMu.Unlock()
		return r
	}

	sess, err := New("test-session", cfg, Deps{
		Transport:     fx.transport,
		NewRecognizer: factory,
		Executor:      fx.executor,
		Transcoder:    fakeTranscoder{},
		Tokens:        fakeTokens{},
		Params:        settings.NewParams(settings.VoiceParams{VoiceID: "v", SpeedRatio: 1}),
		History: func(ask, answer string) {
			fx.histMu.Lock()
			fx.history = append(fx.history, ask+"|"+answer)
			fx.histMu.Unlock()
		},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, sess.Start())
	fx.sess = sess

	t.Cleanup(func() {
		sess.Close()
		sess.Wait()
	})
	return fx
}

func encodeSilenceFrame(t *testing.T) []byte {
	t.Helper()
	enc, err := audio.NewEncoder()
	require.NoError(t, err)
	frame, err := enc.Encode(make([]int16, audio.FrameSamples))
	require.NoError(t, err)
	return frame
}

func TestIdleFramesReachRecognizer(t *testing.T) {
	fx := newFixture(t, testConfig())
	frame := encodeSilenceFrame(t)

	fx.sess.HandleFrame(frame)
	fx.sess.HandleFrame(frame)

	assert.Equal(t, 2, fx.rec(0).pushCount())
	assert.Equal(t, audio.FrameSamples*2, len(fx.rec(0).lastPushed()))
	assert.False(t, fx.sess.Busy())
}

func TestUndecodableFrameIsDropped(t *testing.T) {
	fx := newFixture(t, testConfig())

	fx.sess.HandleFrame([]byte{0xff, 0xfe, 0xfd})
	assert.Equal(t, 0, fx.rec(0).pushCount())
}

func TestBusyFramesAreReplacedWithSilence(t *testing.T) {
	fx := newFixture(t, testConfig())
	block := make(chan struct{})
	fx.executor.blockCh = block

	fx.rec(0).transcripts <- "hello robot"
	require.Eventually(t, fx.sess.Busy, time.Second, time.Millisecond)

	frame := encodeSilenceFrame(t)
	fx.sess.HandleFrame(frame)

	require.Equal(t, 1, fx.rec(0).pushCount())
	// The substitute is the shared silence buffer, not the decoded audio.
	assert.Same(t, &audio.SilencePCM()[0], &fx.rec(0).lastPushed()[0])

	close(block)
	require.Eventually(t, func() bool { return !fx.sess.Busy() }, time.Second, time.Millisecond)
}

func TestTranscriptWhileBusyIsDiscarded(t *testing.T) {
	fx := newFixture(t, testConfig())
	block := make(chan struct{})
	fx.executor.blockCh = block

	fx.rec(0).transcripts <- "first"
	require.Eventually(t, fx.sess.Busy, time.Second, time.Millisecond)

	fx.rec(0).transcripts <- "second"
	time.Sleep(20 * time.Millisecond)

	close(block)
	require.Eventually(t, func() bool { return !fx.sess.Busy() }, time.Second, time.Millisecond)

	// Only the first transcript started a turn.
	assert.Equal(t, 1, fx.executor.callCount())
}

func TestEmptyTranscriptIgnored(t *testing.T) {
	fx := newFixture(t, testConfig())

	fx.rec(0).transcripts <- ""
	time.Sleep(20 * time.Millisecond)

	assert.False(t, fx.sess.Busy())
	assert.Equal(t, 0, fx.executor.callCount())
}

func TestRecognizerFailureTriggersReplacement(t *testing.T) {
	fx := newFixture(t, testConfig())
	frame := encodeSilenceFrame(t)

	fx.rec(0).setPushErr(assert.AnError)
	fx.sess.HandleFrame(frame)

	require.Eventually(t, func() bool { return fx.recCount() == 2 }, time.Second, time.Millisecond)

	// Audio flows again once the replacement is swapped in.
	require.Eventually(t, func() bool {
		fx.sess.HandleFrame(frame)
		return fx.rec(1).pushCount() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "tok", fx.rec(1).startToken())

	// The replacement's transcripts still reach the turn path.
	fx.rec(1).transcripts <- "after recovery"
	require.Eventually(t, func() bool { return fx.executor.callCount() == 1 }, time.Second, time.Millisecond)
}

func TestHeartbeatFailureClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond

	fx := newFixture(t, cfg)
	fx.transport.mu.Lock()
	fx.transport.pingErr = assert.AnError
	fx.transport.mu.Unlock()

	require.Eventually(t, fx.transport.isClosed, time.Second, time.Millisecond)
}

func TestKeepAlivePadsSilenceDuringGaps(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAliveInterval = 5 * time.Millisecond
	cfg.KeepAliveGap = 10 * time.Millisecond

	fx := newFixture(t, cfg)

	// No device audio arrives; padding must keep the recognizer fed.
	require.Eventually(t, func() bool { return fx.rec(0).pushCount() >= 2 }, time.Second, time.Millisecond)
	assert.Same(t, &audio.SilencePCM()[0], &fx.rec(0).lastPushed()[0])
}

func TestCloseIsIdempotent(t *testing.T) {
	fx := newFixture(t, testConfig())

	fx.sess.Close()
	fx.sess.Close()
	fx.sess.Wait()
	assert.True(t, fx.transport.isClosed())
}

func TestNoGoroutineLeaksAcrossLifecycle(t *testing.T) {
	baseline := runtime.NumGoroutine()

	fx := newFixture(t, testConfig())
	fx.executor.result = &agent.TurnResult{Text: "reply"}

	fx.rec(0).transcripts <- "hello"
	require.Eventually(t, func() bool {
		return fx.executor.callCount() == 1 && !fx.sess.Busy()
	}, 3*time.Second, time.Millisecond)

	fx.sess.Close()
	fx.sess.Wait()

	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}
