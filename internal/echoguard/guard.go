// Package echoguard filters transcripts that are likely the system's own
// synthesized voice picked up by the microphone. Hardware echo cancellation
// is not assumed to be perfect; without this second line of defense the
// observed failure mode is an infinite self-interruption loop.
package echoguard

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// PlaybackSource exposes the live (or most recent) playback session to the
// guard. The guard only reads it and never mutates conversation state.
type PlaybackSource interface {
	// CurrentPlayback returns the session text, when it started, when it
	// ended (zero while live) and whether it is still live.
	CurrentPlayback() (text string, startedAt, endedAt time.Time, live bool)
}

// Window consolidates the guard's timing and lexical tunables. The values
// are empirically tuned, not derived; treat the defaults as a starting
// point to validate on real speaker/microphone hardware.
type Window struct {
	// PreRoll widens the window before playback start to absorb clock skew
	// between the play command and the first audible sample.
	PreRoll time.Duration
	// PostRoll keeps the window open after playback ends; it must cover
	// audio output tail, microphone pickup and recognition latency.
	PostRoll time.Duration
	// OverlapThreshold is the token-overlap ratio at which a transcript
	// inside the window is rejected as echo.
	OverlapThreshold float64
}

func DefaultWindow() Window {
	return Window{
		PreRoll:          150 * time.Millisecond,
		PostRoll:         800 * time.Millisecond,
		OverlapThreshold: 0.6,
	}
}

// Guard decides whether a transcript is self-echo. It is stateless beyond
// reading the current playback session; the token set cache is rebuilt
// whenever the playback text changes.
type Guard struct {
	window Window
	source PlaybackSource

	mu         sync.Mutex
	cachedText string
	cachedSet  *bloom
}

func New(w Window, src PlaybackSource) *Guard {
	if w.OverlapThreshold <= 0 {
		w = DefaultWindow()
	}
	return &Guard{window: w, source: src}
}

// ShouldReject reports whether the transcript arriving at the given time
// should be discarded as the system hearing itself. A transcript with no
// meaningful tokens is never rejected: the caller's own activity evidence
// (VAD confirmation) is then the deciding signal, which is the path that
// lets a genuine barge-in through while audio is still playing.
func (g *Guard) ShouldReject(transcript string, at time.Time) bool {
	text, started, ended, live := g.source.CurrentPlayback()
	if text == "" {
		return false
	}
	if !g.inWindow(at, started, ended, live) {
		return false
	}
	tokens := meaningfulTokens(transcript)
	if len(tokens) == 0 {
		return false
	}
	set := g.tokenSet(text)
	matched := 0
	for _, tok := range tokens {
		if set.Contains(tok) {
			matched++
		}
	}
	ratio := float64(matched) / float64(len(tokens))
	return ratio >= g.window.OverlapThreshold
}

func (g *Guard) inWindow(at, started, ended time.Time, live bool) bool {
	if at.Before(started.Add(-g.window.PreRoll)) {
		return false
	}
	if live {
		return true
	}
	return at.Before(ended.Add(g.window.PostRoll))
}

func (g *Guard) tokenSet(text string) *bloom {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cachedText == text && g.cachedSet != nil {
		return g.cachedSet
	}
	b := newBloom(4096)
	for _, tok := range meaningfulTokens(text) {
		b.Add(tok)
	}
	g.cachedText = text
	g.cachedSet = b
	return b
}

func meaningfulTokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, w := range fields {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
		if w == "" || isStopword(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func isStopword(s string) bool {
	switch s {
	case "the", "a", "an", "and", "or", "to", "of", "in", "on", "for", "is", "it", "uh", "um":
		return true
	}
	return false
}

// bloom is a tiny filter over playback tokens; false positives only make
// the guard slightly more conservative.
type bloom struct{ bits []byte }

func newBloom(n int) *bloom { return &bloom{bits: make([]byte, n)} }

func (b *bloom) hash(s string) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(len(b.bits)))
}

func (b *bloom) Add(s string) {
	if len(b.bits) > 0 {
		b.bits[b.hash(s)] = 1
	}
}

func (b *bloom) Contains(s string) bool {
	return len(b.bits) > 0 && b.bits[b.hash(s)] == 1
}
