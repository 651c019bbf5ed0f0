// Package playback plays synthesized speech into a PCM sink and reports
// started/ended events. Interruption is a gain fade, not a hard cut: the
// envelope ramps to zero over a bounded window before the audio resource is
// released, while the caller's state transition happens immediately.
package playback

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type EventKind int

const (
	Started EventKind = iota
	Ended
)

// Event is a playback lifecycle notification. Err is set on Ended when the
// synthesis stream reported an error during the session.
type Event struct {
	Kind EventKind
	At   time.Time
	Err  error
}

// Sink consumes 48kHz PCM16LE mono and performs delivery (opus encode to a
// WebRTC track, a local output device). Implementations buffer internally
// and pace delivery; Reset drops queued audio immediately.
type Sink interface {
	WritePCM(pcm []byte)
	FlushTail()
	Reset()
}

// Config holds the fade envelope and text-retention tunables.
type Config struct {
	FadeOut time.Duration
	// Grace is how long the session text stays readable after playback
	// ends. The text is an echo-detection aid, not conversation history;
	// past the grace window it is discarded.
	Grace time.Duration
}

func DefaultConfig() Config {
	return Config{FadeOut: 300 * time.Millisecond, Grace: 800 * time.Millisecond}
}

type session struct {
	text      string
	startedAt time.Time
	endedAt   time.Time
	fadeAt    time.Time // zero until a fade-out begins
	err       error     // first synthesis stream error, if any
	cancel    context.CancelFunc
	endOnce   sync.Once
}

// Controller owns at most one playback session at a time.
type Controller struct {
	cfg    Config
	log    zerolog.Logger
	sink   Sink
	events chan Event

	mu   sync.Mutex
	sess *session
	// retained after the session ends, until the grace window expires
	lastText  string
	lastStart time.Time
	lastEnd   time.Time
}

func New(cfg Config, sink Sink, log zerolog.Logger) *Controller {
	if cfg.FadeOut == 0 {
		cfg = DefaultConfig()
	}
	return &Controller{
		cfg:    cfg,
		log:    log.With().Str("component", "playback").Logger(),
		sink:   sink,
		events: make(chan Event, 16),
	}
}

// Events returns the lifecycle event stream.
func (c *Controller) Events() <-chan Event { return c.events }

// Play consumes the synthesized PCM stream for text and writes it to the
// sink with the current gain applied. Any prior live session is stopped
// immediately first, so at most one session exists.
func (c *Controller) Play(ctx context.Context, text string, pcm <-chan []byte, errs <-chan error) {
	c.StopImmediately()

	playCtx, cancel := context.WithCancel(ctx)
	s := &session{text: text, startedAt: time.Now(), cancel: cancel}

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	c.emit(Event{Kind: Started, At: s.startedAt})
	go c.run(playCtx, s, pcm, errs)
}

func (c *Controller) run(ctx context.Context, s *session, pcm <-chan []byte, errs <-chan error) {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	openPCM, openErr := pcm != nil, errs != nil
	for openPCM || openErr {
		select {
		case <-ctx.Done():
			c.finish(s, false)
			return
		case <-tick.C:
			// the fade must complete even when the synth stream stalls
			if g, fading := c.gain(s); fading && g <= 0 {
				c.sink.Reset()
				c.finish(s, false)
				return
			}
		case b, ok := <-pcm:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) == 0 {
				continue
			}
			g, fading := c.gain(s)
			if fading && g <= 0 {
				c.sink.Reset()
				c.finish(s, false)
				return
			}
			if g < 1 {
				b = scalePCM(b, g)
			}
			c.sink.WritePCM(b)
		case e, ok := <-errs:
			if !ok {
				openErr = false
				continue
			}
			if e != nil {
				c.log.Warn().Err(e).Msg("synthesis stream error")
				c.mu.Lock()
				if s.err == nil {
					s.err = e
				}
				c.mu.Unlock()
			}
		}
	}
	c.finish(s, true)
}

// gain returns the current envelope value for the session and whether a
// fade is in progress.
func (c *Controller) gain(s *session) (float64, bool) {
	c.mu.Lock()
	fadeAt := s.fadeAt
	c.mu.Unlock()
	if fadeAt.IsZero() {
		return 1, false
	}
	elapsed := time.Since(fadeAt)
	if elapsed >= c.cfg.FadeOut {
		return 0, true
	}
	return 1 - float64(elapsed)/float64(c.cfg.FadeOut), true
}

// finish closes the session exactly once.
func (c *Controller) finish(s *session, flush bool) {
	s.endOnce.Do(func() {
		if flush {
			c.sink.FlushTail()
		}
		now := time.Now()
		c.mu.Lock()
		s.endedAt = now
		if c.sess == s {
			c.sess = nil
		}
		c.lastText = s.text
		c.lastStart = s.startedAt
		c.lastEnd = now
		err := s.err
		c.mu.Unlock()
		s.cancel()
		c.emit(Event{Kind: Ended, At: now, Err: err})
	})
}

// FadeOutAndStop ramps the gain to zero over the configured window and
// then releases the session. Safe to call repeatedly and safe after
// playback has already ended.
func (c *Controller) FadeOutAndStop() {
	c.mu.Lock()
	s := c.sess
	if s != nil && s.fadeAt.IsZero() {
		s.fadeAt = time.Now()
	}
	c.mu.Unlock()
}

// StopImmediately drops queued audio and ends the session now. No-op when
// nothing is playing.
func (c *Controller) StopImmediately() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return
	}
	c.sink.Reset()
	c.finish(s, false)
}

// CurrentPlayback implements the echo guard's playback source capability.
// After the grace window the retained text is discarded.
func (c *Controller) CurrentPlayback() (string, time.Time, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return c.sess.text, c.sess.startedAt, time.Time{}, true
	}
	if c.lastText != "" && time.Since(c.lastEnd) <= c.cfg.Grace {
		return c.lastText, c.lastStart, c.lastEnd, false
	}
	c.lastText = ""
	return "", time.Time{}, time.Time{}, false
}

// Live reports whether a session is currently playing.
func (c *Controller) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Int("kind", int(ev.Kind)).Msg("event buffer full, dropping")
	}
}

// scalePCM applies a gain to little-endian 16-bit samples.
func scalePCM(in []byte, g float64) []byte {
	out := make([]byte, len(in))
	for i := 0; i+1 < len(in); i += 2 {
		v := int16(binary.LittleEndian.Uint16(in[i : i+2]))
		binary.LittleEndian.PutUint16(out[i:i+2], uint16(int16(float64(v)*g)))
	}
	return out
}
