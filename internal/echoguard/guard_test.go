package echoguard

import (
	"testing"
	"time"
)

type fakeSource struct {
	text    string
	started time.Time
	ended   time.Time
	live    bool
}

func (f *fakeSource) CurrentPlayback() (string, time.Time, time.Time, bool) {
	return f.text, f.started, f.ended, f.live
}

func TestGuard_RejectsHighOverlapDuringPlayback(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		text:    "Photosynthesis is a process used by plants to convert light into energy.",
		started: now.Add(-2 * time.Second),
		live:    true,
	}
	g := New(DefaultWindow(), src)
	// near-duplicate of the playing text: well above 70% token overlap
	if !g.ShouldReject("photosynthesis is a process used by plants", now) {
		t.Fatalf("expected echo rejection for near-duplicate transcript")
	}
}

func TestGuard_PassesLowOverlapDuringPlayback(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		text:    "Photosynthesis is a process used by plants to convert light into energy.",
		started: now.Add(-2 * time.Second),
		live:    true,
	}
	g := New(DefaultWindow(), src)
	// genuine interrupt, under 20% overlap with what is playing
	if g.ShouldReject("wait explain chlorophyll first", now) {
		t.Fatalf("genuine interrupt must pass through")
	}
}

func TestGuard_GracePeriodAfterPlaybackEnds(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		text:    "the mitochondria is the powerhouse of the cell",
		started: now.Add(-3 * time.Second),
		ended:   now.Add(-200 * time.Millisecond),
		live:    false,
	}
	g := New(Window{PreRoll: 100 * time.Millisecond, PostRoll: 800 * time.Millisecond, OverlapThreshold: 0.6}, src)
	if !g.ShouldReject("mitochondria is powerhouse of cell", now) {
		t.Fatalf("echo inside grace period must be rejected")
	}
	// past the grace window the same transcript is user speech
	if g.ShouldReject("mitochondria is powerhouse of cell", now.Add(900*time.Millisecond)) {
		t.Fatalf("transcript after grace window must pass")
	}
}

func TestGuard_NoPlaybackNeverRejects(t *testing.T) {
	g := New(DefaultWindow(), &fakeSource{})
	if g.ShouldReject("anything at all", time.Now()) {
		t.Fatalf("guard must pass everything when nothing is playing")
	}
}

func TestGuard_EmptyTranscriptPasses(t *testing.T) {
	now := time.Now()
	src := &fakeSource{text: "hello there friend", started: now.Add(-time.Second), live: true}
	g := New(DefaultWindow(), src)
	if g.ShouldReject("", now) {
		t.Fatalf("no lexical evidence must not reject")
	}
	if g.ShouldReject("um the uh", now) {
		t.Fatalf("stopword-only transcript must not reject")
	}
}

func TestGuard_ArrivalBeforeWindowPasses(t *testing.T) {
	now := time.Now()
	src := &fakeSource{text: "hello there friend", started: now, live: true}
	g := New(DefaultWindow(), src)
	if g.ShouldReject("hello there friend", now.Add(-time.Second)) {
		t.Fatalf("arrival before the pre-roll must pass")
	}
}

func TestGuard_CacheTracksTextChanges(t *testing.T) {
	now := time.Now()
	src := &fakeSource{text: "alpha beta gamma", started: now.Add(-time.Second), live: true}
	g := New(DefaultWindow(), src)
	if !g.ShouldReject("alpha beta gamma", now) {
		t.Fatalf("expected rejection against first text")
	}
	src.text = "delta epsilon zeta"
	if g.ShouldReject("alpha beta gamma", now) {
		t.Fatalf("token cache must follow the new playback text")
	}
}
