package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/voiceloop/internal/playback"
	"github.com/chadiek/voiceloop/internal/transcriber"
	"github.com/chadiek/voiceloop/internal/vad"
)

type fakeDetector struct {
	ch      chan vad.Event
	started bool
	stopped bool
}

func newFakeDetector() *fakeDetector { return &fakeDetector{ch: make(chan vad.Event, 8)} }

func (d *fakeDetector) Start() error              { d.started = true; return nil }
func (d *fakeDetector) Stop()                     { d.stopped = true }
func (d *fakeDetector) Feed([]byte)               {}
func (d *fakeDetector) Events() <-chan vad.Event  { return d.ch }
func (d *fakeDetector) speechStart()              { d.ch <- vad.Event{Kind: vad.SpeechStart, At: time.Now()} }
func (d *fakeDetector) speechEnd()                { d.ch <- vad.Event{Kind: vad.SpeechEnd, At: time.Now()} }

type fakeTranscriber struct {
	mu      sync.Mutex
	nextID  uint64
	opened  []uint64
	closed  []uint64
	openErr error
	ch      chan transcriber.Event
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{ch: make(chan transcriber.Event, 16)}
}

func (f *fakeTranscriber) Open(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return 0, f.openErr
	}
	f.nextID++
	f.opened = append(f.opened, f.nextID)
	return f.nextID, nil
}

func (f *fakeTranscriber) PushAudio([]byte) {}

func (f *fakeTranscriber) Close(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

func (f *fakeTranscriber) Events() <-chan transcriber.Event { return f.ch }

func (f *fakeTranscriber) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func (f *fakeTranscriber) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closed)
}

func (f *fakeTranscriber) lastID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

func (f *fakeTranscriber) interim(id uint64, text string) {
	f.ch <- transcriber.Event{Kind: transcriber.Interim, SessionID: id, Text: text}
}

func (f *fakeTranscriber) final(id uint64, text string) {
	f.ch <- transcriber.Event{Kind: transcriber.Final, SessionID: id, Text: text}
}

func (f *fakeTranscriber) fail(id uint64, err error) {
	f.ch <- transcriber.Event{Kind: transcriber.Failed, SessionID: id, Err: err}
}

type fakePlayer struct {
	mu     sync.Mutex
	played []string
	fades  int
	stops  int
	ch     chan playback.Event
}

func newFakePlayer() *fakePlayer { return &fakePlayer{ch: make(chan playback.Event, 8)} }

func (p *fakePlayer) Play(ctx context.Context, text string, pcm <-chan []byte, errs <-chan error) {
	p.mu.Lock()
	p.played = append(p.played, text)
	p.mu.Unlock()
	p.ch <- playback.Event{Kind: playback.Started, At: time.Now()}
}

func (p *fakePlayer) FadeOutAndStop() {
	p.mu.Lock()
	p.fades++
	p.mu.Unlock()
}

func (p *fakePlayer) StopImmediately() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func (p *fakePlayer) Events() <-chan playback.Event { return p.ch }

func (p *fakePlayer) end() { p.ch <- playback.Event{Kind: playback.Ended, At: time.Now()} }

func (p *fakePlayer) endWithErr(err error) {
	p.ch <- playback.Event{Kind: playback.Ended, At: time.Now(), Err: err}
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

func (p *fakePlayer) fadeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fades
}

type fakeGuard struct {
	reject func(text string, at time.Time) bool
}

func (g fakeGuard) ShouldReject(text string, at time.Time) bool {
	if g.reject == nil {
		return false
	}
	return g.reject(text, at)
}

type fakeReply struct {
	fn func(ctx context.Context, conversation string) (string, error)
}

func (r fakeReply) Generate(ctx context.Context, conversation string) (string, error) {
	if r.fn == nil {
		return "sure, happy to help", nil
	}
	return r.fn(ctx, conversation)
}

type fakeSynth struct{}

func (fakeSynth) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcm := make(chan []byte, 1)
	pcm <- make([]byte, 960)
	close(pcm)
	errs := make(chan error)
	close(errs)
	return pcm, errs
}

type synthFunc func(ctx context.Context, text string) (<-chan []byte, <-chan error)

func (f synthFunc) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	return f(ctx, text)
}

type recorder struct {
	mu      sync.Mutex
	interim []string
	finals  []string
	errors  []ErrorKind
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnInterimTranscript: func(text string) {
			r.mu.Lock()
			r.interim = append(r.interim, text)
			r.mu.Unlock()
		},
		OnUserUtteranceFinalized: func(text string) {
			r.mu.Lock()
			r.finals = append(r.finals, text)
			r.mu.Unlock()
		},
		OnRecoverableError: func(kind ErrorKind, _ string) {
			r.mu.Lock()
			r.errors = append(r.errors, kind)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) finalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finals)
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func (r *recorder) lastError() ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errors) == 0 {
		return ""
	}
	return r.errors[len(r.errors)-1]
}

type harness struct {
	eng *Engine
	det *fakeDetector
	tr  *fakeTranscriber
	pl  *fakePlayer
	rec *recorder
}

func newHarness(t *testing.T, cfg Config, guard Guard, reply ReplyGenerator) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, guard, reply, fakeSynth{})
}

func newHarnessWith(t *testing.T, cfg Config, guard Guard, reply ReplyGenerator, synth Synthesizer) *harness {
	t.Helper()
	h := &harness{
		det: newFakeDetector(),
		tr:  newFakeTranscriber(),
		pl:  newFakePlayer(),
		rec: &recorder{},
	}
	if guard == nil {
		guard = fakeGuard{}
	}
	if reply == nil {
		reply = fakeReply{}
	}
	h.eng = New(cfg, h.det, h.tr, guard, h.pl, reply, synth, h.rec.hooks(), zerolog.Nop())
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(h.eng.Stop)
	return h
}

func testConfig() Config {
	return Config{
		TrailingClose:    50 * time.Millisecond,
		FinalTimeout:     2 * time.Second,
		ReplyTimeout:     time.Second,
		SynthesisTimeout: time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("state %s", want), func() bool { return h.eng.State() == want })
}

// speakTurn drives a full user turn up to the accepted final.
func (h *harness) speakTurn(t *testing.T, text string) {
	t.Helper()
	h.det.speechStart()
	h.waitState(t, StateUserSpeaking)
	waitFor(t, "session open", func() bool { return h.eng.feedOpen.Load() })
	h.det.speechEnd()
	h.waitState(t, StateProcessing)
	h.tr.final(h.tr.lastID(), text)
}

func TestFullTurn(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)

	if got := h.eng.State(); got != StateIdle {
		t.Fatalf("initial state = %s, want IDLE", got)
	}
	h.det.speechStart()
	h.waitState(t, StateUserSpeaking)
	waitFor(t, "session open", func() bool { return h.eng.feedOpen.Load() })

	h.tr.interim(1, "what is the")
	waitFor(t, "interim hook", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.interim) == 1
	})

	h.det.speechEnd()
	h.waitState(t, StateProcessing)

	h.tr.final(1, "what is the weather today")
	waitFor(t, "finalized utterance", func() bool { return h.rec.finalCount() == 1 })
	h.waitState(t, StateAISpeaking)
	if h.pl.playCount() != 1 {
		t.Fatalf("playCount = %d, want 1", h.pl.playCount())
	}

	h.pl.end()
	h.waitState(t, StateIdle)
	waitFor(t, "session closed", func() bool { return h.tr.closedCount() >= 1 })
}

func TestEchoFinalDuringPlaybackIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.TrailingClose = time.Second // keep the session open into playback
	guard := fakeGuard{reject: func(text string, _ time.Time) bool {
		return strings.Contains(text, "happy to help")
	}}
	h := newHarness(t, cfg, guard, nil)

	h.speakTurn(t, "tell me a joke")
	h.waitState(t, StateAISpeaking)

	// The microphone hears our own voice; the still-open session produces
	// a final that matches the playback text.
	h.tr.final(h.tr.lastID(), "sure happy to help")
	time.Sleep(50 * time.Millisecond)

	if got := h.eng.State(); got != StateAISpeaking {
		t.Fatalf("state after echo final = %s, want AI_SPEAKING", got)
	}
	if h.pl.playCount() != 1 {
		t.Fatalf("playCount = %d, want 1 (echo must not trigger a reply)", h.pl.playCount())
	}
	if h.rec.finalCount() != 1 {
		t.Fatalf("finalized count = %d, want 1", h.rec.finalCount())
	}
}

func TestInterruptDuringPlayback(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)

	h.speakTurn(t, "read me the news")
	h.waitState(t, StateAISpeaking)

	h.det.speechStart()
	h.waitState(t, StateUserSpeaking)
	if h.pl.fadeCount() != 1 {
		t.Fatalf("fadeCount = %d, want 1", h.pl.fadeCount())
	}
	waitFor(t, "second session", func() bool { return h.tr.openCount() == 2 })
}

func TestInterruptCoalesced(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)

	h.speakTurn(t, "read me the news")
	h.waitState(t, StateAISpeaking)

	// Stop the loop from confirming the new session so a burst of onsets
	// lands while the interrupt is still in flight.
	h.det.speechStart()
	h.det.speechStart()
	h.det.speechStart()
	h.waitState(t, StateUserSpeaking)
	waitFor(t, "second session", func() bool { return h.tr.openCount() >= 2 })
	time.Sleep(50 * time.Millisecond)

	if got := h.pl.fadeCount(); got != 1 {
		t.Fatalf("fadeCount = %d, want 1", got)
	}
	if got := h.tr.openCount(); got != 2 {
		t.Fatalf("openCount = %d, want 2", got)
	}
}

func TestEchoOnsetDuringPlaybackIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.TrailingClose = time.Second
	guard := fakeGuard{reject: func(text string, _ time.Time) bool {
		return strings.Contains(text, "happy to help")
	}}
	h := newHarness(t, cfg, guard, nil)

	h.speakTurn(t, "tell me a joke")
	h.waitState(t, StateAISpeaking)

	// Fresh interim from the still-open session carrying our own words.
	h.tr.interim(h.tr.lastID(), "sure happy to")
	time.Sleep(20 * time.Millisecond)
	h.det.speechStart()
	time.Sleep(50 * time.Millisecond)

	if got := h.eng.State(); got != StateAISpeaking {
		t.Fatalf("state = %s, want AI_SPEAKING", got)
	}
	if h.pl.fadeCount() != 0 {
		t.Fatalf("fadeCount = %d, want 0", h.pl.fadeCount())
	}
}

func TestNoFinalTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.FinalTimeout = 80 * time.Millisecond
	h := newHarness(t, cfg, nil, nil)

	h.det.speechStart()
	waitFor(t, "session open", func() bool { return h.eng.feedOpen.Load() })
	h.det.speechEnd()
	h.waitState(t, StateProcessing)

	waitFor(t, "no-input error", func() bool { return h.rec.errorCount() == 1 })
	h.waitState(t, StateIdle)
	if h.rec.lastError() != ErrorNoInput {
		t.Fatalf("error kind = %s, want %s", h.rec.lastError(), ErrorNoInput)
	}
	waitFor(t, "session closed", func() bool { return h.tr.closedCount() == 1 })

	// The timeout must not fire again.
	time.Sleep(150 * time.Millisecond)
	if h.rec.errorCount() != 1 {
		t.Fatalf("errorCount = %d, want 1", h.rec.errorCount())
	}
}

func TestReplyFailureRecovers(t *testing.T) {
	reply := fakeReply{fn: func(context.Context, string) (string, error) {
		return "", fmt.Errorf("upstream unavailable")
	}}
	h := newHarness(t, testConfig(), nil, reply)

	h.speakTurn(t, "hello there")
	waitFor(t, "reply error", func() bool { return h.rec.errorCount() == 1 })
	h.waitState(t, StateIdle)
	if h.rec.lastError() != ErrorReply {
		t.Fatalf("error kind = %s, want %s", h.rec.lastError(), ErrorReply)
	}
}

func TestSynthesisFailureSurfaced(t *testing.T) {
	synth := synthFunc(func(context.Context, string) (<-chan []byte, <-chan error) {
		pcm := make(chan []byte)
		close(pcm)
		errs := make(chan error, 1)
		errs <- fmt.Errorf("voice service rejected the request")
		close(errs)
		return pcm, errs
	})
	h := newHarnessWith(t, testConfig(), nil, nil, synth)

	h.speakTurn(t, "say something")
	waitFor(t, "synthesis error", func() bool { return h.rec.errorCount() == 1 })
	h.waitState(t, StateIdle)
	if h.rec.lastError() != ErrorSynthesis {
		t.Fatalf("error kind = %s, want %s", h.rec.lastError(), ErrorSynthesis)
	}
	if h.pl.playCount() != 0 {
		t.Fatalf("playCount = %d, want 0 (failed synthesis must not reach playback)", h.pl.playCount())
	}
}

func TestSynthesisStallTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.SynthesisTimeout = 60 * time.Millisecond
	synth := synthFunc(func(context.Context, string) (<-chan []byte, <-chan error) {
		// a stream that never produces anything
		return make(chan []byte), make(chan error)
	})
	h := newHarnessWith(t, cfg, nil, nil, synth)

	h.speakTurn(t, "read me something")
	waitFor(t, "synthesis timeout", func() bool { return h.rec.errorCount() == 1 })
	h.waitState(t, StateIdle)
	if h.rec.lastError() != ErrorSynthesis {
		t.Fatalf("error kind = %s, want %s", h.rec.lastError(), ErrorSynthesis)
	}
	if h.pl.playCount() != 0 {
		t.Fatalf("playCount = %d, want 0", h.pl.playCount())
	}
}

func TestFinalBeforeSpeechEndClosesSession(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)

	h.det.speechStart()
	waitFor(t, "session open", func() bool { return h.eng.feedOpen.Load() })

	// Remote endpointing beats the local silence hangover: the final lands
	// while the detector still reports speech.
	h.tr.final(h.tr.lastID(), "turn off the lights")
	waitFor(t, "finalized utterance", func() bool { return h.rec.finalCount() == 1 })
	h.det.speechEnd()

	h.waitState(t, StateAISpeaking)
	waitFor(t, "session closed", func() bool { return h.tr.closedCount() == 1 })
	if h.eng.feedOpen.Load() {
		t.Fatal("audio still feeding the transcriber after the turn was accepted")
	}

	h.pl.end()
	h.waitState(t, StateIdle)
}

func TestTurnPipelineReleasedAfterPlayback(t *testing.T) {
	var mu sync.Mutex
	var synthCtx context.Context
	synth := synthFunc(func(ctx context.Context, _ string) (<-chan []byte, <-chan error) {
		mu.Lock()
		synthCtx = ctx
		mu.Unlock()
		pcm := make(chan []byte, 1)
		pcm <- make([]byte, 960)
		close(pcm)
		errs := make(chan error)
		close(errs)
		return pcm, errs
	})
	h := newHarnessWith(t, testConfig(), nil, nil, synth)

	h.speakTurn(t, "tell me a story")
	h.waitState(t, StateAISpeaking)
	h.pl.end()
	h.waitState(t, StateIdle)

	// The stream context must be cancelled once its audio has played, or a
	// stalled provider connection would be pinned open forever.
	waitFor(t, "synthesis context released", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return synthCtx != nil && synthCtx.Err() != nil
	})
}

func TestPlaybackErrorSurfaced(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)

	h.speakTurn(t, "play something")
	h.waitState(t, StateAISpeaking)

	h.pl.endWithErr(fmt.Errorf("stream cut mid-reply"))
	h.waitState(t, StateIdle)
	waitFor(t, "playback error", func() bool { return h.rec.errorCount() == 1 })
	if h.rec.lastError() != ErrorPlayback {
		t.Fatalf("error kind = %s, want %s", h.rec.lastError(), ErrorPlayback)
	}
}

func TestTranscriberFailureRecovers(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)

	h.det.speechStart()
	waitFor(t, "session open", func() bool { return h.eng.feedOpen.Load() })
	h.tr.fail(h.tr.lastID(), fmt.Errorf("socket reset"))

	waitFor(t, "transcription error", func() bool { return h.rec.errorCount() == 1 })
	h.waitState(t, StateIdle)
	if h.rec.lastError() != ErrorTranscription {
		t.Fatalf("error kind = %s, want %s", h.rec.lastError(), ErrorTranscription)
	}
}

func TestStaleSessionEventsDropped(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)

	h.det.speechStart()
	waitFor(t, "session open", func() bool { return h.eng.feedOpen.Load() })

	h.tr.final(99, "ghost of a previous call")
	time.Sleep(50 * time.Millisecond)
	if h.rec.finalCount() != 0 {
		t.Fatalf("finalized count = %d, want 0", h.rec.finalCount())
	}
	if got := h.eng.State(); got != StateUserSpeaking {
		t.Fatalf("state = %s, want USER_SPEAKING", got)
	}
}

func TestResumedSpeechSupersedesTurn(t *testing.T) {
	block := make(chan struct{})
	reply := fakeReply{fn: func(ctx context.Context, _ string) (string, error) {
		select {
		case <-block:
			return "late answer", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	cfg := testConfig()
	cfg.TrailingClose = time.Second
	h := newHarness(t, cfg, nil, reply)

	h.speakTurn(t, "first half of a thought")
	h.waitState(t, StateProcessing)

	// The user keeps talking before the reply lands.
	h.det.speechStart()
	h.waitState(t, StateUserSpeaking)
	close(block)
	time.Sleep(50 * time.Millisecond)

	if h.pl.playCount() != 0 {
		t.Fatalf("playCount = %d, want 0 (superseded reply must not play)", h.pl.playCount())
	}
}

func TestManualListenFallback(t *testing.T) {
	rec := &recorder{}
	tr := newFakeTranscriber()
	pl := newFakePlayer()
	eng := New(testConfig(), NewNopDetector(), tr, fakeGuard{}, pl, fakeReply{}, fakeSynth{}, rec.hooks(), zerolog.Nop())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	eng.TriggerListen()
	waitFor(t, "user speaking", func() bool { return eng.State() == StateUserSpeaking })
	waitFor(t, "session open", func() bool { return eng.feedOpen.Load() })

	eng.EndListen()
	waitFor(t, "processing", func() bool { return eng.State() == StateProcessing })

	tr.final(tr.lastID(), "set a timer for five minutes")
	waitFor(t, "reply playing", func() bool { return eng.State() == StateAISpeaking })
	if pl.playCount() != 1 {
		t.Fatalf("playCount = %d, want 1", pl.playCount())
	}
}

func TestStartStopIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)

	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	h.eng.Stop()
	h.eng.Stop()

	if !h.det.stopped {
		t.Fatal("detector was not stopped")
	}
}

// TestTransitionTable walks every (state, event) pair through the
// transition handler directly and checks the resulting state. handle runs
// synchronously, so the AI_SPEAKING + speech-start row also pins down that
// an interrupt transition is visible immediately, before any fade or
// session dial completes.
func TestTransitionTable(t *testing.T) {
	type key struct {
		s State
		k eventKind
	}
	states := []State{StateIdle, StateUserSpeaking, StateProcessing, StateAISpeaking}
	want := map[key]State{
		{StateIdle, evSpeechStart}:         StateUserSpeaking,
		{StateUserSpeaking, evSpeechStart}: StateUserSpeaking,
		{StateProcessing, evSpeechStart}:   StateUserSpeaking,
		{StateAISpeaking, evSpeechStart}:   StateUserSpeaking, // interrupt, no echo evidence

		{StateIdle, evSpeechEnd}:         StateIdle,
		{StateUserSpeaking, evSpeechEnd}: StateProcessing,
		{StateProcessing, evSpeechEnd}:   StateProcessing,
		{StateAISpeaking, evSpeechEnd}:   StateAISpeaking,

		{StateIdle, evPlaybackEnded}:         StateIdle,
		{StateUserSpeaking, evPlaybackEnded}: StateUserSpeaking,
		{StateProcessing, evPlaybackEnded}:   StateProcessing,
		{StateAISpeaking, evPlaybackEnded}:   StateIdle,

		{StateIdle, evFinalTimeout}:         StateIdle,
		{StateUserSpeaking, evFinalTimeout}: StateUserSpeaking,
		{StateProcessing, evFinalTimeout}:   StateIdle,
		{StateAISpeaking, evFinalTimeout}:   StateAISpeaking,
	}
	// playback-started and trailing-close never change state.
	for _, s := range states {
		want[key{s, evPlaybackStarted}] = s
		want[key{s, evTrailingClose}] = s
	}

	for k, wantState := range want {
		eng := New(testConfig(), newFakeDetector(), newFakeTranscriber(), fakeGuard{}, newFakePlayer(), fakeReply{}, fakeSynth{}, Hooks{}, zerolog.Nop())
		eng.state.Store(int32(k.s))
		eng.handle(context.Background(), event{kind: k.k, at: time.Now()})
		if got := eng.State(); got != wantState {
			t.Errorf("%s + %s: got %s, want %s", k.s, k.k, got, wantState)
		}
	}
}

func TestConversationHistoryInPrompt(t *testing.T) {
	var prompts []string
	var mu sync.Mutex
	reply := fakeReply{fn: func(_ context.Context, conversation string) (string, error) {
		mu.Lock()
		prompts = append(prompts, conversation)
		mu.Unlock()
		return "noted", nil
	}}
	h := newHarness(t, testConfig(), nil, reply)

	h.speakTurn(t, "remember the number seven")
	h.waitState(t, StateAISpeaking)
	h.pl.end()
	h.waitState(t, StateIdle)

	h.speakTurn(t, "what number did I say")
	h.waitState(t, StateAISpeaking)

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 2 {
		t.Fatalf("prompt count = %d, want 2", len(prompts))
	}
	if !strings.Contains(prompts[1], "remember the number seven") {
		t.Fatalf("second prompt missing first utterance: %q", prompts[1])
	}
	if !strings.Contains(prompts[1], "[ASSISTANT] noted") {
		t.Fatalf("second prompt missing first reply: %q", prompts[1])
	}
}
