package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/voiceloop/internal/playback"
	"github.com/chadiek/voiceloop/internal/transcriber"
	"github.com/chadiek/voiceloop/internal/vad"
)

// interimFreshness bounds how old an interim transcript may be and still
// count as lexical evidence when deciding whether a speech onset during
// playback is the user or an echo.
const interimFreshness = 1500 * time.Millisecond

type eventKind int

const (
	evSpeechStart eventKind = iota
	evSpeechEnd
	evManualStart
	evManualEnd
	evSessionOpened
	evSessionOpenFailed
	evTranscript
	evTrailingClose
	evFinalTimeout
	evReplyReady
	evReplyFailed
	evPlaybackStarted
	evPlaybackEnded
)

func (k eventKind) String() string {
	switch k {
	case evSpeechStart:
		return "speech-start"
	case evSpeechEnd:
		return "speech-end"
	case evManualStart:
		return "manual-start"
	case evManualEnd:
		return "manual-end"
	case evSessionOpened:
		return "session-opened"
	case evSessionOpenFailed:
		return "session-open-failed"
	case evTranscript:
		return "transcript"
	case evTrailingClose:
		return "trailing-close"
	case evFinalTimeout:
		return "final-timeout"
	case evReplyReady:
		return "reply-ready"
	case evReplyFailed:
		return "reply-failed"
	case evPlaybackStarted:
		return "playback-started"
	case evPlaybackEnded:
		return "playback-ended"
	default:
		return "unknown"
	}
}

type event struct {
	kind      eventKind
	at        time.Time
	tr        transcriber.Event
	sessionID uint64
	turn      uint64
	errKind   ErrorKind
	err       error
	utterance string
	reply     string
	pcm       <-chan []byte
	errs      <-chan error
}

// Engine is the conversation state machine. All inputs — VAD events,
// transcripts, playback lifecycle, timers, manual triggers — funnel into a
// single loop goroutine, so every transition is serialized and the state
// is never read mid-change.
type Engine struct {
	cfg    Config
	log    zerolog.Logger
	det    Detector
	tr     Transcriber
	guard  Guard
	player Player
	reply  ReplyGenerator
	synth  Synthesizer
	hooks  Hooks

	events   chan event
	state    atomic.Int32
	feedOpen atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Loop-owned fields. Touched only from run().
	sessionID         uint64
	sessionOpen       bool
	opening           bool
	interruptInFlight bool
	lastInterimText   string
	lastInterimAt     time.Time
	turn              uint64
	turnActive        bool
	turnCancel        context.CancelFunc
	trailingTimer     *time.Timer
	finalTimer        *time.Timer
	history           []exchange
}

type exchange struct {
	user      string
	assistant string
}

// New assembles an engine from its collaborators. Any hook may be nil.
func New(cfg Config, det Detector, tr Transcriber, guard Guard, player Player, reply ReplyGenerator, synth Synthesizer, hooks Hooks, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		log:    log.With().Str("component", "engine").Logger(),
		det:    det,
		tr:     tr,
		guard:  guard,
		player: player,
		reply:  reply,
		synth:  synth,
		hooks:  hooks,
		events: make(chan event, 256),
	}
}

// Start launches the event loop. Calling Start on a running engine is a
// no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if err := e.det.Start(); err != nil {
		return fmt.Errorf("start voice detector: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	go e.run(loopCtx)
	e.log.Info().Msg("conversation engine started")
	return nil
}

// Stop tears everything down regardless of current state: the loop exits,
// the detector stops, any open transcriber session closes and playback
// halts immediately. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	e.det.Stop()
	e.player.StopImmediately()
	e.log.Info().Msg("conversation engine stopped")
}

// State returns the current conversation state.
func (e *Engine) State() State { return State(e.state.Load()) }

// FeedAudio pushes captured microphone PCM into the detector and, while a
// transcriber session is confirmed open, into the transcriber. Frames
// arriving before the session is open are dropped for transcription on
// purpose: the detector's start hysteresis covers the onset.
func (e *Engine) FeedAudio(pcm []byte) {
	e.det.Feed(pcm)
	if e.feedOpen.Load() {
		e.tr.PushAudio(pcm)
	}
}

// TriggerListen starts a listening turn without the detector, for
// push-to-talk or an external wake signal. During playback it counts as a
// deliberate interrupt and bypasses the echo check.
func (e *Engine) TriggerListen() {
	e.post(event{kind: evManualStart, at: time.Now()})
}

// EndListen marks the end of a manually triggered turn.
func (e *Engine) EndListen() {
	e.post(event{kind: evManualEnd, at: time.Now()})
}

func (e *Engine) post(ev event) {
	e.mu.Lock()
	done := e.done
	running := e.running
	e.mu.Unlock()
	if !running {
		return
	}
	select {
	case e.events <- ev:
	case <-done:
	}
}

// postFromLoop is for goroutines spawned by the loop (timers, the reply
// pipeline). It must not block forever once the loop has exited.
func (e *Engine) postFromLoop(done <-chan struct{}, ev event) {
	select {
	case e.events <- ev:
	case <-done:
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer e.teardown()
	for {
		select {
		case <-ctx.Done():
			return
		case vev := <-e.det.Events():
			switch vev.Kind {
			case vad.SpeechStart:
				e.handle(ctx, event{kind: evSpeechStart, at: vev.At})
			case vad.SpeechEnd:
				e.handle(ctx, event{kind: evSpeechEnd, at: vev.At})
			}
		case tev := <-e.tr.Events():
			e.handle(ctx, event{kind: evTranscript, at: time.Now(), tr: tev})
		case pev := <-e.player.Events():
			switch pev.Kind {
			case playback.Started:
				e.handle(ctx, event{kind: evPlaybackStarted, at: pev.At})
			case playback.Ended:
				e.handle(ctx, event{kind: evPlaybackEnded, at: pev.At, err: pev.Err})
			}
		case ev := <-e.events:
			e.handle(ctx, ev)
		}
	}
}

// teardown runs when the loop exits. It closes whatever is still live so
// Stop leaves no session or timer behind.
func (e *Engine) teardown() {
	e.stopTimers()
	e.cancelTurn()
	if e.sessionOpen {
		e.tr.Close(e.sessionID)
	}
	e.sessionOpen = false
	e.feedOpen.Store(false)
}

func (e *Engine) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evSpeechStart:
		e.onSpeechStart(ctx, ev.at, false)
	case evManualStart:
		e.onSpeechStart(ctx, ev.at, true)
	case evSpeechEnd, evManualEnd:
		e.onSpeechEnd(ev.at)
	case evSessionOpened:
		e.onSessionOpened(ev.sessionID)
	case evSessionOpenFailed:
		e.onSessionOpenFailed(ev.err)
	case evTranscript:
		e.onTranscript(ctx, ev.tr, ev.at)
	case evTrailingClose:
		e.onTrailingClose(ev.sessionID)
	case evFinalTimeout:
		e.onFinalTimeout(ev.sessionID)
	case evReplyReady:
		e.onReplyReady(ctx, ev)
	case evReplyFailed:
		e.onReplyFailed(ev)
	case evPlaybackStarted:
		e.log.Debug().Msg("playback started")
	case evPlaybackEnded:
		e.onPlaybackEnded(ev)
	}
}

func (e *Engine) setState(s State) {
	old := State(e.state.Swap(int32(s)))
	if old == s {
		return
	}
	e.log.Info().Stringer("from", old).Stringer("to", s).Msg("state change")
	if e.hooks.OnStateChange != nil {
		e.hooks.OnStateChange(s, old)
	}
}

func (e *Engine) onSpeechStart(ctx context.Context, at time.Time, manual bool) {
	switch e.State() {
	case StateIdle:
		e.beginListening(ctx)
	case StateUserSpeaking:
		// Already listening.
	case StateProcessing:
		// The user resumed before the turn completed. A pending reply is
		// superseded; the still-open session keeps streaming.
		e.stopTimers()
		e.cancelTurn()
		e.setState(StateUserSpeaking)
		if !e.sessionOpen && !e.opening {
			e.openSession(ctx)
		}
	case StateAISpeaking:
		if e.interruptInFlight {
			return
		}
		if !manual && e.guard != nil {
			hint := e.lastInterimText
			if at.Sub(e.lastInterimAt) > interimFreshness {
				hint = ""
			}
			if hint != "" && e.guard.ShouldReject(hint, at) {
				e.log.Debug().Str("hint", hint).Msg("speech onset during playback looks like echo, ignoring")
				return
			}
		}
		// Genuine barge-in. Fade the voice, drop the trailing session and
		// open a fresh one; further onsets coalesce until it is confirmed.
		e.interruptInFlight = true
		e.player.FadeOutAndStop()
		e.stopTimers()
		e.cancelTurn()
		if e.sessionOpen {
			e.tr.Close(e.sessionID)
			e.sessionOpen = false
			e.feedOpen.Store(false)
		}
		e.setState(StateUserSpeaking)
		e.lastInterimText = ""
		e.openSession(ctx)
	}
}

func (e *Engine) beginListening(ctx context.Context) {
	e.setState(StateUserSpeaking)
	e.lastInterimText = ""
	if !e.sessionOpen && !e.opening {
		e.openSession(ctx)
	}
}

func (e *Engine) openSession(ctx context.Context) {
	e.opening = true
	done := e.done
	go func() {
		id, err := e.tr.Open(ctx)
		if err != nil {
			e.postFromLoop(done, event{kind: evSessionOpenFailed, err: err})
			return
		}
		e.postFromLoop(done, event{kind: evSessionOpened, sessionID: id})
	}()
}

func (e *Engine) onSessionOpened(id uint64) {
	e.opening = false
	e.interruptInFlight = false
	switch e.State() {
	case StateUserSpeaking, StateProcessing:
		e.sessionID = id
		e.sessionOpen = true
		e.feedOpen.Store(true)
		e.log.Debug().Uint64("session", id).Msg("transcriber session open")
		// speechEnd may have landed while the dial was in flight, leaving
		// the timers armed with the placeholder id. Re-arm them so trailing
		// close and no-final recovery cover the real session.
		if e.State() == StateProcessing && !e.turnActive {
			e.armTrailingClose(id)
			e.armFinalTimeout(id)
		}
	default:
		// The turn is over; nobody wants this session anymore.
		e.tr.Close(id)
	}
}

func (e *Engine) onSessionOpenFailed(err error) {
	e.opening = false
	e.interruptInFlight = false
	e.log.Error().Err(err).Msg("transcriber session open failed")
	switch e.State() {
	case StateUserSpeaking, StateProcessing:
		e.stopTimers()
		e.emitError(ErrorTranscription, "could not reach the transcription service")
		e.setState(StateIdle)
	}
}

func (e *Engine) onSpeechEnd(at time.Time) {
	switch e.State() {
	case StateUserSpeaking:
		e.setState(StateProcessing)
		id := e.sessionID
		e.armTrailingClose(id)
		e.armFinalTimeout(id)
	case StateProcessing:
		// The recognizer can finalize the turn before the detector's
		// silence hangover elapses. The session is still streaming; give
		// it the trailing window so it closes instead of feeding the
		// reply's own audio upstream.
		if e.sessionOpen {
			e.armTrailingClose(e.sessionID)
		}
		if !e.turnActive {
			e.armFinalTimeout(e.sessionID)
		}
	case StateAISpeaking:
		// The hangover outlasted the whole reply pipeline. The listening
		// session from the finalized turn still needs its trailing close.
		if e.sessionOpen && !e.interruptInFlight {
			e.armTrailingClose(e.sessionID)
		}
	}
}

func (e *Engine) onTranscript(ctx context.Context, tev transcriber.Event, at time.Time) {
	if tev.SessionID != e.sessionID {
		e.log.Debug().Uint64("session", tev.SessionID).Msg("dropping event from stale session")
		return
	}
	switch tev.Kind {
	case transcriber.Interim:
		e.lastInterimText = tev.Text
		e.lastInterimAt = at
		st := e.State()
		if st != StateUserSpeaking && st != StateProcessing {
			return
		}
		if e.guard != nil && e.guard.ShouldReject(tev.Text, at) {
			return
		}
		if e.hooks.OnInterimTranscript != nil {
			e.hooks.OnInterimTranscript(tev.Text)
		}
	case transcriber.Final:
		e.onFinal(ctx, tev, at)
	case transcriber.Failed:
		e.onTranscribeFailed(tev)
	}
}

func (e *Engine) onFinal(ctx context.Context, tev transcriber.Event, at time.Time) {
	st := e.State()
	if e.guard != nil && e.guard.ShouldReject(tev.Text, at) {
		e.log.Info().Str("text", tev.Text).Msg("final transcript rejected as echo")
		// During playback this is the expected tail of our own voice: the
		// trailing session stays open and the state is untouched. After a
		// turn that produced nothing but echo, recover to idle.
		if st == StateProcessing && !e.turnActive {
			e.stopTimers()
			e.closeSession()
			e.setState(StateIdle)
		}
		return
	}
	if st != StateUserSpeaking && st != StateProcessing {
		e.log.Debug().Str("text", tev.Text).Stringer("state", st).Msg("dropping final outside a user turn")
		return
	}
	text := strings.TrimSpace(tev.Text)
	if text == "" {
		return
	}
	e.stopFinalTimer()
	e.setState(StateProcessing)
	if e.hooks.OnUserUtteranceFinalized != nil {
		e.hooks.OnUserUtteranceFinalized(text)
	}
	e.startTurn(ctx, text)
}

func (e *Engine) onTranscribeFailed(tev transcriber.Event) {
	e.sessionOpen = false
	e.feedOpen.Store(false)
	e.log.Error().Err(tev.Err).Uint64("session", tev.SessionID).Msg("transcriber session failed")
	st := e.State()
	if st != StateUserSpeaking && st != StateProcessing {
		return
	}
	if e.turnActive {
		// A final was already accepted; the reply pipeline proceeds and the
		// dead session just stops mattering.
		e.stopTimers()
		return
	}
	e.stopTimers()
	e.emitError(ErrorTranscription, "transcription stream failed")
	e.setState(StateIdle)
}

func (e *Engine) onTrailingClose(id uint64) {
	if id != e.sessionID || !e.sessionOpen {
		return
	}
	e.log.Debug().Uint64("session", id).Msg("trailing window elapsed, closing session")
	e.closeSession()
}

func (e *Engine) onFinalTimeout(id uint64) {
	if id != e.sessionID || e.State() != StateProcessing || e.turnActive {
		return
	}
	e.log.Warn().Uint64("session", id).Msg("no final transcript before deadline")
	e.closeSession()
	e.emitError(ErrorNoInput, "heard speech but no transcript arrived")
	e.setState(StateIdle)
}

func (e *Engine) closeSession() {
	if e.sessionOpen {
		e.tr.Close(e.sessionID)
		e.sessionOpen = false
	}
	e.feedOpen.Store(false)
}

// startTurn runs the reply pipeline off-loop: generate a reply, open the
// synthesis stream and wait for it to actually produce audio. The turn
// counter invalidates results that arrive after the user has already
// moved on.
func (e *Engine) startTurn(ctx context.Context, utterance string) {
	e.cancelTurn()
	e.turn++
	e.turnActive = true
	turn := e.turn
	prompt := e.buildPrompt(utterance)
	pctx, cancel := context.WithCancel(ctx)
	e.turnCancel = cancel
	done := e.done
	go func() {
		rctx, rcancel := context.WithTimeout(pctx, e.cfg.ReplyTimeout)
		reply, err := e.reply.Generate(rctx, prompt)
		rcancel()
		if err != nil {
			e.postFromLoop(done, event{kind: evReplyFailed, turn: turn, errKind: ErrorReply, err: err})
			return
		}
		reply = strings.TrimSpace(reply)
		if reply == "" {
			e.postFromLoop(done, event{kind: evReplyFailed, turn: turn, errKind: ErrorReply, err: fmt.Errorf("empty reply")})
			return
		}
		pcm, errs := e.synth.StreamPCM48k(pctx, reply)
		first, err := awaitFirstAudio(pctx, e.cfg.SynthesisTimeout, pcm, errs)
		if err != nil {
			e.postFromLoop(done, event{kind: evReplyFailed, turn: turn, errKind: ErrorSynthesis, err: err})
			return
		}
		out := make(chan []byte)
		go func() {
			defer close(out)
			select {
			case out <- first:
			case <-pctx.Done():
				return
			}
			for b := range pcm {
				select {
				case out <- b:
				case <-pctx.Done():
					return
				}
			}
		}()
		e.postFromLoop(done, event{
			kind:      evReplyReady,
			turn:      turn,
			utterance: utterance,
			reply:     reply,
			pcm:       out,
			errs:      errs,
		})
	}()
}

// awaitFirstAudio gates the reply on the synthesizer producing sound. An
// error, a stream that closes silent, or a stall past the timeout all fail
// the turn instead of playing dead air.
func awaitFirstAudio(ctx context.Context, timeout time.Duration, pcm <-chan []byte, errs <-chan error) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultConfig().SynthesisTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case b, ok := <-pcm:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return nil, err
					}
				default:
				}
				return nil, fmt.Errorf("synthesis produced no audio")
			}
			if len(b) == 0 {
				continue
			}
			return b, nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		case <-deadline.C:
			return nil, fmt.Errorf("no synthesized audio within %s", timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) cancelTurn() {
	if e.turnCancel != nil {
		e.turnCancel()
		e.turnCancel = nil
	}
	e.turnActive = false
}

func (e *Engine) onReplyReady(ctx context.Context, ev event) {
	if ev.turn != e.turn || e.State() != StateProcessing {
		e.log.Debug().Uint64("turn", ev.turn).Msg("discarding superseded reply")
		return
	}
	e.turnActive = false
	// turnCancel stays live: it owns the synthesis stream and is released
	// when playback ends or an interrupt cancels the turn.
	e.history = append(e.history, exchange{user: ev.utterance, assistant: ev.reply})
	e.setState(StateAISpeaking)
	e.player.Play(ctx, ev.reply, ev.pcm, ev.errs)
}

func (e *Engine) onReplyFailed(ev event) {
	if ev.turn != e.turn || e.State() != StateProcessing {
		return
	}
	e.cancelTurn()
	e.log.Error().Err(ev.err).Msg("reply pipeline failed")
	e.stopTimers()
	e.closeSession()
	e.emitError(ev.errKind, "could not produce a reply")
	e.setState(StateIdle)
}

func (e *Engine) onPlaybackEnded(ev event) {
	if e.State() != StateAISpeaking {
		// Faded out by an interrupt; the new turn owns the state.
		return
	}
	// Release the synthesis stream now that its audio has been consumed.
	e.cancelTurn()
	if ev.err != nil {
		e.log.Error().Err(ev.err).Msg("playback ended with a stream error")
		e.emitError(ErrorPlayback, "the reply audio cut out")
	}
	e.setState(StateIdle)
}

// buildPrompt renders the running conversation plus the new utterance in
// the alternating-turn format the reply generator expects.
func (e *Engine) buildPrompt(utterance string) string {
	var b strings.Builder
	for _, x := range e.history {
		b.WriteString("[USER] ")
		b.WriteString(x.user)
		b.WriteString("\n[ASSISTANT] ")
		b.WriteString(x.assistant)
		b.WriteString("\n")
	}
	b.WriteString("[USER] ")
	b.WriteString(utterance)
	return b.String()
}

func (e *Engine) emitError(kind ErrorKind, msg string) {
	if e.hooks.OnRecoverableError != nil {
		e.hooks.OnRecoverableError(kind, msg)
	}
}

func (e *Engine) armTrailingClose(id uint64) {
	e.stopTrailingTimer()
	done := e.done
	e.trailingTimer = time.AfterFunc(e.cfg.TrailingClose, func() {
		e.postFromLoop(done, event{kind: evTrailingClose, sessionID: id})
	})
}

func (e *Engine) armFinalTimeout(id uint64) {
	e.stopFinalTimer()
	done := e.done
	e.finalTimer = time.AfterFunc(e.cfg.FinalTimeout, func() {
		e.postFromLoop(done, event{kind: evFinalTimeout, sessionID: id})
	})
}

func (e *Engine) stopTrailingTimer() {
	if e.trailingTimer != nil {
		e.trailingTimer.Stop()
		e.trailingTimer = nil
	}
}

func (e *Engine) stopFinalTimer() {
	if e.finalTimer != nil {
		e.finalTimer.Stop()
		e.finalTimer = nil
	}
}

func (e *Engine) stopTimers() {
	e.stopTrailingTimer()
	e.stopFinalTimer()
}
