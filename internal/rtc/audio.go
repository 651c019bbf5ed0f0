package rtc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"
)

const (
	trackFrameSamples = 960 // 20ms at 48kHz mono
	trackFrameBytes   = trackFrameSamples * 2
	pacerInterval     = 20 * time.Millisecond
)

// sampleWriter is the slice of the WebRTC track the sink needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusTrackSink encodes 48kHz mono PCM16LE to Opus and writes it to a
// WebRTC track in real time, one 20ms frame per tick. It is the playback
// sink for browser calls: the fade envelope is applied upstream, this
// layer only encodes and paces.
type OpusTrackSink struct {
	enc   *opus.Encoder
	track sampleWriter

	mu      sync.Mutex
	pending []int16
	frames  chan []byte
	stop    chan struct{}
	once    sync.Once
}

func NewOpusTrackSink(track sampleWriter) (*OpusTrackSink, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	s := &OpusTrackSink{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stop:   make(chan struct{}),
	}
	go s.pace()
	return s, nil
}

// WritePCM buffers PCM and emits every complete 20ms frame.
func (s *OpusTrackSink) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		s.pending = append(s.pending, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	buf := make([]byte, 4000)
	for len(s.pending) >= trackFrameSamples {
		s.encodeLocked(s.pending[:trackFrameSamples], buf)
		s.pending = append(s.pending[:0], s.pending[trackFrameSamples:]...)
	}
}

// FlushTail pads the residue to a full frame and appends a short silence
// tail so the last word is not clipped by the pacer.
func (s *OpusTrackSink) FlushTail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 4000)
	if len(s.pending) > 0 {
		frame := make([]int16, trackFrameSamples)
		copy(frame, s.pending)
		s.encodeLocked(frame, buf)
		s.pending = s.pending[:0]
	}
	silence := make([]int16, trackFrameSamples)
	for i := 0; i < 10; i++ {
		s.encodeLocked(silence, buf)
	}
}

// Reset drops buffered PCM and queued frames for an immediate cut.
func (s *OpusTrackSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = s.pending[:0]
	for {
		select {
		case <-s.frames:
		default:
			return
		}
	}
}

// Close stops the pacer goroutine. Idempotent.
func (s *OpusTrackSink) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *OpusTrackSink) encodeLocked(frame []int16, buf []byte) {
	n, err := s.enc.Encode(frame, buf)
	if err != nil || n == 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, buf[:n])
	select {
	case s.frames <- pkt:
	case <-s.stop:
	}
}

func (s *OpusTrackSink) pace() {
	ticker := time.NewTicker(pacerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			select {
			case frame := <-s.frames:
				_ = s.track.WriteSample(media.Sample{Data: frame, Duration: pacerInterval})
			default:
			}
		}
	}
}
