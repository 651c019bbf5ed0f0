package rtc

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"

	"github.com/chadiek/voiceloop/internal/config"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func TestOpusTrackSinkPacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	s := &OpusTrackSink{
		track:  ft,
		frames: make(chan []byte, 8),
		stop:   make(chan struct{}),
	}
	done := make(chan struct{})
	go func() { s.pace(); close(done) }()

	for i := 0; i < 3; i++ {
		s.frames <- []byte{0x01, 0x02}
	}
	time.Sleep(60 * time.Millisecond)
	s.Close()
	<-done

	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatal("expected the pacer to write at least one frame")
	}
}

func TestOpusTrackSinkResetDrains(t *testing.T) {
	s := &OpusTrackSink{
		track:   &fakeTrack{},
		frames:  make(chan []byte, 8),
		stop:    make(chan struct{}),
		pending: []int16{1, 2, 3},
	}
	s.frames <- []byte{0x01}
	s.frames <- []byte{0x02}

	s.Reset()

	select {
	case <-s.frames:
		t.Fatal("expected frames channel to be drained")
	default:
	}
	if len(s.pending) != 0 {
		t.Fatalf("pending len = %d, want 0", len(s.pending))
	}
}

func TestParseICEServers(t *testing.T) {
	servers := parseICEServers(`[{"urls":["stun:stun.example.com:3478"]}]`)
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected servers: %+v", servers)
	}
	fallback := parseICEServers("not json")
	if len(fallback) != 1 || fallback[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("expected google STUN fallback, got %+v", fallback)
	}
}

func TestAuthOK(t *testing.T) {
	if AuthOK(nil, "secret") {
		t.Fatal("nil request must not authenticate")
	}
	r := httptest.NewRequest("GET", "/?password=secret", nil)
	if !AuthOK(r, "secret") {
		t.Fatal("query password rejected")
	}
	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("Authorization", "bearer tok")
	if !AuthOK(r2, "tok") {
		t.Fatal("lowercase bearer rejected")
	}
	r3 := httptest.NewRequest("GET", "/", nil)
	r3.Header.Set("X-Auth-Token", "tok")
	if !AuthOK(r3, "tok") {
		t.Fatal("X-Auth-Token rejected")
	}
	r4 := httptest.NewRequest("GET", "/?password=wrong", nil)
	if AuthOK(r4, "secret") {
		t.Fatal("wrong password accepted")
	}
}

func TestHandleOfferRejectsInvalid(t *testing.T) {
	h := NewHandler(config.Config{Tuning: config.DefaultTuning()}, zerolog.Nop())
	if _, err := h.HandleOffer(context.Background(), SessionDescription{Type: "answer", SDP: "x"}); err == nil {
		t.Fatal("expected error for non-offer type")
	}
	if _, err := h.HandleOffer(context.Background(), SessionDescription{Type: "offer"}); err == nil {
		t.Fatal("expected error for empty SDP")
	}
}
