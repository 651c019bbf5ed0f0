// Package transcriber owns sessions against a remote streaming
// speech-to-text service. Audio frames are forwarded while a session is
// open; interim and final transcripts come back tagged with the session id
// so events from a superseded session can be discarded instead of being
// misattributed to a new turn.
package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Kind int

const (
	Interim Kind = iota
	Final
	Failed
)

func (k Kind) String() string {
	switch k {
	case Interim:
		return "interim"
	case Final:
		return "final"
	default:
		return "failed"
	}
}

// Event is a transcription result or a session failure.
type Event struct {
	Kind       Kind
	Text       string
	Confidence float64
	SessionID  uint64
	Err        error
}

// Conn is the subset of a websocket connection the session uses; tests
// substitute an in-memory implementation.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	Close() error
}

// DialFunc opens the websocket for one session.
type DialFunc func(ctx context.Context) (Conn, error)

// Config holds connection parameters for the streaming endpoint.
type Config struct {
	APIKey     string
	BaseURL    string // default wss://streaming.assemblyai.com/v3/ws
	SampleRate int
}

// wire message shapes for the v3 streaming protocol
type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type                 string  `json:"type"`
	Transcript           string  `json:"transcript"`
	EndOfTurn            bool    `json:"end_of_turn"`
	EndOfTurnConfidence  float64 `json:"end_of_turn_confidence"`
	TurnIsFormatted      bool    `json:"turn_is_formatted"`
	AudioStartTimeMillis int64   `json:"audio_start_time,omitempty"`
	AudioEndTimeMillis   int64   `json:"audio_end_time,omitempty"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Service multiplexes one session at a time onto a shared event stream.
type Service struct {
	cfg  Config
	log  zerolog.Logger
	dial DialFunc

	events chan Event
	nextID uint64

	mu  sync.Mutex
	cur *session
}

// NewService builds a Service using the real websocket dialer.
func NewService(cfg Config, log zerolog.Logger) *Service {
	s := newService(cfg, log)
	s.dial = s.dialWebSocket
	return s
}

// NewServiceWithDialer injects the dial function; used by tests and by
// alternative providers speaking the same protocol.
func NewServiceWithDialer(cfg Config, dial DialFunc, log zerolog.Logger) *Service {
	s := newService(cfg, log)
	s.dial = dial
	return s
}

func newService(cfg Config, log zerolog.Logger) *Service {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://streaming.assemblyai.com/v3/ws"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &Service{
		cfg:    cfg,
		log:    log.With().Str("component", "transcriber").Logger(),
		events: make(chan Event, 128),
	}
}

// Events returns the shared event stream. Events embed the session id of
// the session that produced them.
func (s *Service) Events() <-chan Event { return s.events }

// Open starts a new session and supersedes any prior one. One transient
// dial failure is retried once before giving up.
func (s *Service) Open(ctx context.Context) (uint64, error) {
	id := atomic.AddUint64(&s.nextID, 1)

	conn, err := s.dial(ctx)
	if err != nil {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		conn, err = s.dial(ctx)
		if err != nil {
			return 0, fmt.Errorf("transcriber: open session %d: %w", id, err)
		}
	}

	sess := &session{
		id:     id,
		conn:   conn,
		events: s.events,
		log:    s.log.With().Uint64("session", id).Logger(),
		audio:  make(chan []byte, 256),
		stop:   make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.cur
	s.cur = sess
	s.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go sess.sendLoop()
	go sess.readLoop()
	s.log.Debug().Uint64("session", id).Msg("session opened")
	return id, nil
}

// PushAudio forwards a PCM16LE frame to the current session. Frames pushed
// while no session is open are dropped, not queued.
func (s *Service) PushAudio(pcm []byte) {
	s.mu.Lock()
	sess := s.cur
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.push(pcm)
}

// Close closes the session with the given id. Idempotent: closing an
// already-closed or superseded session is a no-op, not an error, because a
// double-close is a realistic race on a quick re-interrupt.
func (s *Service) Close(id uint64) {
	s.mu.Lock()
	sess := s.cur
	if sess != nil && sess.id == id {
		s.cur = nil
	} else {
		sess = nil
	}
	s.mu.Unlock()
	if sess != nil {
		sess.close()
		s.log.Debug().Uint64("session", id).Msg("session closed")
	}
}

// Shutdown closes whatever session is open.
func (s *Service) Shutdown() {
	s.mu.Lock()
	sess := s.cur
	s.cur = nil
	s.mu.Unlock()
	if sess != nil {
		sess.close()
	}
}

func (s *Service) dialWebSocket(ctx context.Context) (Conn, error) {
	if s.cfg.APIKey == "" {
		return nil, fmt.Errorf("transcriber: api key is empty")
	}
	params := url.Values{}
	params.Set("sample_rate", fmt.Sprintf("%d", s.cfg.SampleRate))
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", "false")
	wsURL := fmt.Sprintf("%s?%s", s.cfg.BaseURL, params.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := map[string][]string{"Authorization": {s.cfg.APIKey}}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transcriber: dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transcriber: dial failed: %w", err)
	}
	return conn, nil
}

// session is one open stream. Its goroutines exit on close; late events
// still carry the session's own id so downstream filtering stays correct.
type session struct {
	id     uint64
	conn   Conn
	events chan<- Event
	log    zerolog.Logger

	audio     chan []byte
	stop      chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once

	// continuation hold: a low-confidence final ending in a word like
	// "and" or "because" is held briefly and merged with the next turn
	// instead of cutting the speaker mid-sentence.
	holdMu    sync.Mutex
	held      string
	heldConf  float64
	holdTimer *time.Timer
}

// continuationHold is how long a continuation-likely final waits for the
// speaker to resume before it is released as-is.
const continuationHold = 1200 * time.Millisecond

// continuationConfidence gates the hold: above it the remote end-of-turn
// call is trusted even when the last word looks like a conjunction.
const continuationConfidence = 0.9

func (s *session) push(pcm []byte) {
	select {
	case s.audio <- pcm:
	default:
		s.log.Debug().Msg("audio buffer full, dropping frame")
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		// A held continuation fragment is still the user's words; release
		// it rather than losing the turn to the close.
		s.releaseHold()
		close(s.stop)
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = s.conn.Close()
	})
}

func (s *session) sendLoop() {
	for {
		select {
		case <-s.stop:
			return
		case pcm := <-s.audio:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				s.fail(fmt.Errorf("send audio: %w", err))
				return
			}
		}
	}
}

func (s *session) readLoop() {
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("read message: %w", err))
			return
		}
		s.handleMessage(msg)
	}
}

func (s *session) handleMessage(msg []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &base); err != nil {
		s.log.Warn().Err(err).Msg("unparseable message")
		return
	}
	switch base.Type {
	case "Begin":
		var m beginMessage
		if err := json.Unmarshal(msg, &m); err == nil {
			s.log.Debug().Str("remote_id", m.ID).Msg("stream began")
		}
	case "Turn":
		var m turnMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			s.log.Warn().Err(err).Msg("bad turn message")
			return
		}
		if m.Transcript == "" {
			return
		}
		text := s.joinHeld(m.Transcript)
		if m.EndOfTurn {
			if isContinuationLikely(text) && m.EndOfTurnConfidence < continuationConfidence {
				s.holdFinal(text, m.EndOfTurnConfidence)
				return
			}
			s.clearHold()
			s.deliver(Event{Kind: Final, Text: text, Confidence: m.EndOfTurnConfidence, SessionID: s.id})
			return
		}
		// interims are advisory; drop under backpressure
		select {
		case s.events <- Event{Kind: Interim, Text: text, SessionID: s.id}:
		default:
		}
	case "Termination":
		var m terminationMessage
		if err := json.Unmarshal(msg, &m); err == nil {
			s.log.Debug().Float64("audio_s", m.AudioDurationSeconds).Msg("stream terminated")
		}
	case "Error":
		var m errorMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		s.fail(fmt.Errorf("service error: %s", m.Error))
	default:
		s.log.Debug().Str("type", base.Type).Msg("unknown message type")
	}
}

// joinHeld prefixes a held continuation fragment to the current turn's
// transcript.
func (s *session) joinHeld(transcript string) string {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	if s.held == "" {
		return transcript
	}
	return s.held + " " + transcript
}

// holdFinal parks a continuation-likely final. If the speaker resumes, the
// next turn's transcripts absorb it via joinHeld; otherwise the timer
// releases it unchanged.
func (s *session) holdFinal(text string, conf float64) {
	s.holdMu.Lock()
	s.held = text
	s.heldConf = conf
	if s.holdTimer != nil {
		s.holdTimer.Stop()
	}
	s.holdTimer = time.AfterFunc(continuationHold, s.releaseHold)
	s.holdMu.Unlock()
	s.log.Debug().Str("text", text).Msg("holding continuation-likely final")
}

func (s *session) releaseHold() {
	s.holdMu.Lock()
	text, conf := s.held, s.heldConf
	s.held = ""
	s.holdTimer = nil
	s.holdMu.Unlock()
	if text == "" {
		return
	}
	s.deliver(Event{Kind: Final, Text: text, Confidence: conf, SessionID: s.id})
}

func (s *session) clearHold() {
	s.holdMu.Lock()
	s.held = ""
	if s.holdTimer != nil {
		s.holdTimer.Stop()
		s.holdTimer = nil
	}
	s.holdMu.Unlock()
}

// isContinuationLikely reports whether the last word suggests the speaker
// intends to keep going (conjunctions, fillers, dangling prepositions).
func isContinuationLikely(text string) bool {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return false
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return false
	}
	_, ok := continuationWords[strings.ToLower(fields[len(fields)-1])]
	return ok
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}

// deliver blocks until the final is consumed or the session is closed, so
// finals are never silently dropped.
func (s *session) deliver(ev Event) {
	select {
	case <-s.stop:
	case s.events <- ev:
	}
}

// fail surfaces one failure event unless the session was deliberately
// closed; the component must not silently hang.
func (s *session) fail(err error) {
	select {
	case <-s.stop:
		return
	default:
	}
	s.failOnce.Do(func() {
		s.log.Warn().Err(err).Msg("session failed")
		s.deliver(Event{Kind: Failed, Err: err, SessionID: s.id})
		s.close()
	})
}
