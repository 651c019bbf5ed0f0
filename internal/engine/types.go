package engine

import (
	"context"
	"time"

	"github.com/chadiek/voiceloop/internal/playback"
	"github.com/chadiek/voiceloop/internal/transcriber"
	"github.com/chadiek/voiceloop/internal/vad"
)

// State is the single authoritative conversation state. It is owned by the
// Engine; every other component observes it through callbacks or reads the
// playback session through a capability, never through a private copy.
type State int32

const (
	StateIdle State = iota
	StateUserSpeaking
	StateProcessing
	StateAISpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateUserSpeaking:
		return "USER_SPEAKING"
	case StateProcessing:
		return "PROCESSING"
	case StateAISpeaking:
		return "AI_SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// ErrorKind classifies recoverable failures surfaced to the UI layer.
type ErrorKind string

const (
	ErrorTranscription ErrorKind = "transcription"
	ErrorReply         ErrorKind = "reply"
	ErrorSynthesis     ErrorKind = "synthesis"
	ErrorNoInput       ErrorKind = "no-input"
	ErrorPlayback      ErrorKind = "playback"
)

// Detector is the voice-activity port. It owns the microphone stream
// logically; the transcriber subscribes to the same frames through the
// engine rather than opening the device a second time.
type Detector interface {
	Start() error
	Stop()
	Feed(pcm []byte)
	Events() <-chan vad.Event
}

// Transcriber is the streaming speech-to-text port.
type Transcriber interface {
	Open(ctx context.Context) (uint64, error)
	PushAudio(pcm []byte)
	Close(sessionID uint64)
	Events() <-chan transcriber.Event
}

// Guard filters transcripts that are likely the system's own voice. It
// must never mutate conversation state.
type Guard interface {
	ShouldReject(transcript string, at time.Time) bool
}

// Player is the audio playback port.
type Player interface {
	Play(ctx context.Context, text string, pcm <-chan []byte, errs <-chan error)
	FadeOutAndStop()
	StopImmediately()
	Events() <-chan playback.Event
}

// ReplyGenerator is the external reply-generation collaborator.
type ReplyGenerator interface {
	Generate(ctx context.Context, conversation string) (string, error)
}

// Synthesizer is the external speech-synthesis collaborator.
type Synthesizer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Hooks are the signals exposed to the surrounding application/UI layer.
// They are invoked from the engine loop; keep them fast and non-blocking.
type Hooks struct {
	OnStateChange            func(newState, oldState State)
	OnInterimTranscript      func(text string)
	OnUserUtteranceFinalized func(text string)
	OnRecoverableError       func(kind ErrorKind, message string)
}

// Config holds the engine's timing windows.
type Config struct {
	// TrailingClose keeps the transcriber session open after speechEnd so
	// trailing words are not lost.
	TrailingClose time.Duration
	// FinalTimeout force-closes a session that produced no final after
	// speechEnd and recovers to IDLE.
	FinalTimeout time.Duration
	// ReplyTimeout bounds the reply-generation call.
	ReplyTimeout time.Duration
	// SynthesisTimeout bounds the wait for the first synthesized audio
	// chunk. A stream that stalls past it fails the turn.
	SynthesisTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TrailingClose:    800 * time.Millisecond,
		FinalTimeout:     4 * time.Second,
		ReplyTimeout:     20 * time.Second,
		SynthesisTimeout: 12 * time.Second,
	}
}

// NewNopDetector returns a detector that never fires. It backs the
// push-to-talk fallback when the local inference model cannot be loaded:
// the engine then receives speech boundaries only via TriggerListen and
// EndListen.
func NewNopDetector() Detector { return nopDetector{ch: make(chan vad.Event)} }

type nopDetector struct{ ch chan vad.Event }

func (nopDetector) Start() error              { return nil }
func (nopDetector) Stop()                     {}
func (nopDetector) Feed([]byte)               {}
func (d nopDetector) Events() <-chan vad.Event { return d.ch }
