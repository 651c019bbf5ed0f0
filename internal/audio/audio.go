// Package audio provides local microphone capture and speaker output for
// the console client, backed by miniaudio.
package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// Engine owns the miniaudio context shared by capture and playback
// devices.
type Engine struct {
	ctx *malgo.AllocatedContext
	log zerolog.Logger
}

func NewEngine(log zerolog.Logger) (*Engine, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Engine{ctx: ctx, log: log.With().Str("component", "audio").Logger()}, nil
}

func (e *Engine) Close() {
	_ = e.ctx.Uninit()
	e.ctx.Free()
}

// Capture is a mono PCM16LE microphone stream delivered through a
// callback in ~20ms periods.
type Capture struct {
	dev *malgo.Device
}

func (e *Engine) NewCapture(sampleRate int, onPCM func(pcm []byte)) (*Capture, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, samples []byte, _ uint32) {
			// The buffer is reused by miniaudio after the callback returns.
			pcm := make([]byte, len(samples))
			copy(pcm, samples)
			onPCM(pcm)
		},
	}
	dev, err := malgo.InitDevice(e.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	return &Capture{dev: dev}, nil
}

func (c *Capture) Start() error { return c.dev.Start() }
func (c *Capture) Stop()        { _ = c.dev.Stop() }
func (c *Capture) Close()       { c.dev.Uninit() }

// Speaker plays mono PCM16LE through the default output device. It
// implements the playback sink contract: writes are buffered and the
// device callback drains them, so Reset can cut audio instantly.
type Speaker struct {
	dev        *malgo.Device
	sampleRate int

	mu  sync.Mutex
	buf []byte
}

func (e *Engine) NewSpeaker(sampleRate int) (*Speaker, error) {
	s := &Speaker{sampleRate: sampleRate}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			s.fill(out)
		},
	}
	dev, err := malgo.InitDevice(e.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	s.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	return s, nil
}

// WritePCM queues PCM for the device callback.
func (s *Speaker) WritePCM(pcm []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, pcm...)
	s.mu.Unlock()
}

// FlushTail appends a short silence tail so the device does not clip the
// final samples.
func (s *Speaker) FlushTail() {
	tail := make([]byte, s.sampleRate/5*2) // 200ms
	s.WritePCM(tail)
}

// Reset drops everything queued for an immediate cut.
func (s *Speaker) Reset() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
}

func (s *Speaker) Close() {
	_ = s.dev.Stop()
	s.dev.Uninit()
}

// fill copies queued PCM into the device buffer, zero-padding underruns.
func (s *Speaker) fill(out []byte) {
	s.mu.Lock()
	n := copy(out, s.buf)
	s.buf = s.buf[n:]
	if len(s.buf) == 0 && cap(s.buf) > s.sampleRate*4 {
		s.buf = nil // don't pin a large backlog allocation
	}
	s.mu.Unlock()
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}
