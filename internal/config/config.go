package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	ICEServersJSON string
	SignalPassword string

	AssemblyAIKey     string
	CerebrasKey       string
	CerebrasModelID   string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramKey       string
	DeepgramModelID   string
	TTSProvider       string // "elevenlabs" or "deepgram"

	// Tuning groups every timing window and threshold that governs
	// turn-taking so tuning is localized.
	Tuning Tuning
}

// Tuning holds the voice-engine timing constants.
type Tuning struct {
	SampleRate int // mic/engine PCM rate, Hz

	VADStartFrames int           // consecutive speech frames to confirm start
	VADEndSilence  time.Duration // silence hangover before speech end
	VADFrameMs     int           // analysis frame size, ms

	EchoGrace        time.Duration // post-playback suppression window
	EchoOverlap      float64       // token-overlap reject threshold
	TrailingClose    time.Duration // keep session open after speechEnd
	FinalTimeout     time.Duration // no-final recovery window
	FadeOut          time.Duration // playback fade envelope
	ReplyTimeout     time.Duration // reply-generation deadline
	SynthesisTimeout time.Duration // time to first synthesized audio
}

// DefaultTuning returns production defaults. The echo window and overlap
// threshold are empirically tuned starting points; validate against real
// speaker/microphone hardware before changing them.
func DefaultTuning() Tuning {
	return Tuning{
		SampleRate:       16000,
		VADStartFrames:   3,
		VADEndSilence:    600 * time.Millisecond,
		VADFrameMs:       20,
		EchoGrace:        800 * time.Millisecond,
		EchoOverlap:      0.6,
		TrailingClose:    800 * time.Millisecond,
		FinalTimeout:     4 * time.Second,
		FadeOut:          300 * time.Millisecond,
		ReplyTimeout:     20 * time.Second,
		SynthesisTimeout: 12 * time.Second,
	}
}

// Load reads environment variables and returns Config with sane defaults.
func Load(log zerolog.Logger) Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	ice := os.Getenv("ICE_SERVERS_JSON")
	if ice == "" {
		ice = `[{"urls":["stun:stun.l.google.com:19302"]}]`
	}

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		log.Warn().Msg("ASSEMBLYAI_API_KEY not set - transcription will not work")
	}

	cerebrasKey := os.Getenv("CEREBRAS_API_KEY")
	cerebrasModel := os.Getenv("CEREBRAS_MODEL_ID")
	if cerebrasModel == "" {
		cerebrasModel = "llama-4-maverick-17b-128e-instruct"
	}
	if cerebrasKey == "" {
		log.Warn().Msg("CEREBRAS_API_KEY not set - replies will not work")
	}

	provider := os.Getenv("TTS_PROVIDER")
	if provider == "" {
		provider = "elevenlabs"
	}
	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	voiceID := os.Getenv("ELEVENLABS_VOICE_ID")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	deepgramModel := os.Getenv("DEEPGRAM_MODEL_ID")
	if provider == "elevenlabs" && elevenKey == "" {
		log.Warn().Msg("ELEVENLABS_API_KEY not set - synthesis will not work")
	}
	if provider == "deepgram" && deepgramKey == "" {
		log.Warn().Msg("DEEPGRAM_API_KEY not set - synthesis will not work")
	}

	t := DefaultTuning()
	t.EchoGrace = envDuration("ECHO_GRACE_MS", t.EchoGrace)
	t.EchoOverlap = envFloat("ECHO_OVERLAP_THRESHOLD", t.EchoOverlap)
	t.VADEndSilence = envDuration("VAD_END_SILENCE_MS", t.VADEndSilence)
	t.FinalTimeout = envDuration("FINAL_TIMEOUT_MS", t.FinalTimeout)
	t.FadeOut = envDuration("FADE_OUT_MS", t.FadeOut)
	t.TrailingClose = envDuration("TRAILING_CLOSE_MS", t.TrailingClose)
	t.SynthesisTimeout = envDuration("SYNTHESIS_TIMEOUT_MS", t.SynthesisTimeout)

	log.Info().Str("http_address", addr).Str("tts_provider", provider).Msg("config loaded")
	return Config{
		HTTPAddress:       addr,
		ICEServersJSON:    ice,
		SignalPassword:    os.Getenv("SIGNAL_PASSWORD"),
		AssemblyAIKey:     assemblyAIKey,
		CerebrasKey:       cerebrasKey,
		CerebrasModelID:   cerebrasModel,
		ElevenLabsKey:     elevenKey,
		ElevenLabsVoiceID: voiceID,
		DeepgramKey:       deepgramKey,
		DeepgramModelID:   deepgramModel,
		TTSProvider:       provider,
		Tuning:            t,
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || f > 1 {
		return def
	}
	return f
}
