// Package vad wraps a local voice-activity model and turns per-frame
// speech/non-speech decisions into speechStart/speechEnd events.
package vad

import (
	"errors"
	"fmt"
	"sync"
	"time"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
	"github.com/rs/zerolog"
)

// ErrModelLoad indicates the local inference model could not be loaded.
// Callers must degrade to a push-to-talk input path when they see it; the
// engine has no other speech-start signal.
var ErrModelLoad = errors.New("vad: model load failed")

type EventKind int

const (
	SpeechStart EventKind = iota
	SpeechEnd
)

func (k EventKind) String() string {
	if k == SpeechStart {
		return "speechStart"
	}
	return "speechEnd"
}

// Segment describes one contiguous run of detected speech. Created on
// speechStart, closed on speechEnd, discarded once consumed.
type Segment struct {
	StartedAt  time.Time
	EndedAt    time.Time
	FrameCount int
}

// Event is a detector output. SpeechEnd events carry the closed segment;
// SpeechStart carries the segment with only StartedAt set.
type Event struct {
	Kind    EventKind
	At      time.Time
	Segment Segment
}

// Config holds detector thresholds.
type Config struct {
	SampleRate  int
	FrameMs     int           // 10, 20 or 30
	Mode        int           // webrtcvad aggressiveness 0..3
	StartFrames int           // consecutive speech frames to confirm start
	EndSilence  time.Duration // silence hangover before declaring end
}

func DefaultConfig() Config {
	return Config{
		SampleRate:  16000,
		FrameMs:     20,
		Mode:        3,
		StartFrames: 3,
		EndSilence:  600 * time.Millisecond,
	}
}

// Detector segments a PCM16LE mono frame stream into speech segments.
// It owns no device; the capture layer feeds it and keeps the microphone
// open for the engine's whole lifetime.
type Detector struct {
	cfg Config
	log zerolog.Logger

	model *webrtcvad.VAD

	frameBytes    int
	silenceFrames int

	events chan Event

	mu         sync.Mutex
	running    bool
	buf        []byte
	speechRun  int
	silenceRun int
	active     bool
	seg        Segment
}

// New loads the inference model. A load or configuration failure is
// reported as ErrModelLoad so callers can fall back to push-to-talk.
func New(cfg Config, log zerolog.Logger) (*Detector, error) {
	if cfg.SampleRate == 0 {
		cfg = DefaultConfig()
	}
	model, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	if err := model.SetMode(cfg.Mode); err != nil {
		return nil, fmt.Errorf("%w: set mode: %v", ErrModelLoad, err)
	}
	frameBytes := cfg.SampleRate * cfg.FrameMs / 1000 * 2
	silenceFrames := int(cfg.EndSilence.Milliseconds()) / cfg.FrameMs
	if silenceFrames < 1 {
		silenceFrames = 1
	}
	return &Detector{
		cfg:           cfg,
		log:           log.With().Str("component", "vad").Logger(),
		model:         model,
		frameBytes:    frameBytes,
		silenceFrames: silenceFrames,
		events:        make(chan Event, 64),
	}, nil
}

// Events returns the detector's output stream.
func (d *Detector) Events() <-chan Event { return d.events }

// Start arms the detector. Idempotent.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.running = true
	d.resetLocked()
	return nil
}

// Stop disarms the detector and closes any open segment. Idempotent; safe
// on every exit path including partial initialization upstream.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	var ev *Event
	if d.active {
		d.seg.EndedAt = time.Now()
		ev = &Event{Kind: SpeechEnd, At: d.seg.EndedAt, Segment: d.seg}
	}
	d.resetLocked()
	d.mu.Unlock()
	if ev != nil {
		d.emit(*ev)
	}
}

func (d *Detector) resetLocked() {
	d.buf = d.buf[:0]
	d.speechRun = 0
	d.silenceRun = 0
	d.active = false
	d.seg = Segment{}
}

// Feed accepts arbitrary-length PCM16LE mono at the configured rate and
// segments it into analysis frames. Frames arriving while the detector is
// stopped are dropped.
func (d *Detector) Feed(pcm []byte) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.buf = append(d.buf, pcm...)
	var out []Event
	for len(d.buf) >= d.frameBytes {
		frame := d.buf[:d.frameBytes]
		d.buf = d.buf[d.frameBytes:]

		speech, err := d.model.Process(d.cfg.SampleRate, frame)
		if err != nil {
			continue
		}
		if ev, ok := d.onFrameLocked(speech); ok {
			out = append(out, ev)
		}
	}
	d.mu.Unlock()
	for _, ev := range out {
		d.emit(ev)
	}
}

// onFrameLocked advances the start/end hysteresis by one frame.
// Speech start needs StartFrames consecutive speech frames so clicks and
// pops do not trigger a session; speech end needs a full EndSilence run so
// mid-sentence pauses are not chopped.
func (d *Detector) onFrameLocked(speech bool) (Event, bool) {
	if d.active {
		d.seg.FrameCount++
	}
	if speech {
		d.silenceRun = 0
		d.speechRun++
		if !d.active && d.speechRun >= d.cfg.StartFrames {
			d.active = true
			d.seg = Segment{StartedAt: time.Now(), FrameCount: d.speechRun}
			return Event{Kind: SpeechStart, At: d.seg.StartedAt, Segment: d.seg}, true
		}
		return Event{}, false
	}
	d.speechRun = 0
	if d.active {
		d.silenceRun++
		if d.silenceRun >= d.silenceFrames {
			d.seg.EndedAt = time.Now()
			ev := Event{Kind: SpeechEnd, At: d.seg.EndedAt, Segment: d.seg}
			d.active = false
			d.silenceRun = 0
			d.seg = Segment{}
			return ev, true
		}
	}
	return Event{}, false
}

func (d *Detector) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn().Str("kind", ev.Kind.String()).Msg("event buffer full, dropping")
	}
}
