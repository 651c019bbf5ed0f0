// Command console runs the conversation engine against the local
// microphone and speakers, with a minimal terminal UI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/chadiek/voiceloop/internal/audio"
	"github.com/chadiek/voiceloop/internal/config"
	"github.com/chadiek/voiceloop/internal/echoguard"
	"github.com/chadiek/voiceloop/internal/engine"
	"github.com/chadiek/voiceloop/internal/llm"
	"github.com/chadiek/voiceloop/internal/logging"
	"github.com/chadiek/voiceloop/internal/playback"
	"github.com/chadiek/voiceloop/internal/transcriber"
	"github.com/chadiek/voiceloop/internal/tts"
	"github.com/chadiek/voiceloop/internal/vad"
)

var (
	stateStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	captionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	youStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("84"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

func main() {
	log := logging.New()
	cfg := config.Load(log)
	t := cfg.Tuning

	aeng, err := audio.NewEngine(log)
	if err != nil {
		log.Fatal().Err(err).Msg("audio init")
	}
	defer aeng.Close()

	speaker, err := aeng.NewSpeaker(48000)
	if err != nil {
		log.Fatal().Err(err).Msg("speaker init")
	}
	defer speaker.Close()

	player := playback.New(playback.Config{
		FadeOut: t.FadeOut,
		Grace:   t.EchoGrace + 250*time.Millisecond,
	}, speaker, log)

	guard := echoguard.New(echoguard.Window{
		PreRoll:          150 * time.Millisecond,
		PostRoll:         t.EchoGrace,
		OverlapThreshold: t.EchoOverlap,
	}, player)

	pushToTalk := false
	var det engine.Detector
	d, err := vad.New(vad.Config{
		SampleRate:  t.SampleRate,
		FrameMs:     t.VADFrameMs,
		Mode:        3,
		StartFrames: t.VADStartFrames,
		EndSilence:  t.VADEndSilence,
	}, log)
	if err != nil {
		log.Warn().Err(err).Msg("voice detection unavailable, using push-to-talk")
		det = engine.NewNopDetector()
		pushToTalk = true
	} else {
		det = d
	}

	st := transcriber.NewService(transcriber.Config{
		APIKey:     cfg.AssemblyAIKey,
		SampleRate: t.SampleRate,
	}, log)
	defer st.Shutdown()

	reply := llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)

	var synth engine.Synthesizer
	if cfg.TTSProvider == "deepgram" {
		synth = tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModelID, log)
	} else {
		synth = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, log)
	}

	hooks := engine.Hooks{
		OnStateChange: func(newState, _ engine.State) {
			fmt.Println(stateStyle.Render("● " + newState.String()))
		},
		OnInterimTranscript: func(text string) {
			fmt.Println(captionStyle.Render("  " + text))
		},
		OnUserUtteranceFinalized: func(text string) {
			fmt.Println(youStyle.Render("you: ") + text)
		},
		OnRecoverableError: func(kind engine.ErrorKind, msg string) {
			fmt.Println(noticeStyle.Render(fmt.Sprintf("! %s: %s", kind, msg)))
		},
	}

	eng := engine.New(engine.Config{
		TrailingClose:    t.TrailingClose,
		FinalTimeout:     t.FinalTimeout,
		ReplyTimeout:     t.ReplyTimeout,
		SynthesisTimeout: t.SynthesisTimeout,
	}, det, st, guard, player, reply, synth, hooks, log)

	if err := eng.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("engine start")
	}
	defer eng.Stop()

	capture, err := aeng.NewCapture(t.SampleRate, eng.FeedAudio)
	if err != nil {
		log.Fatal().Err(err).Msg("microphone init")
	}
	if err := capture.Start(); err != nil {
		log.Fatal().Err(err).Msg("microphone start")
	}
	defer capture.Close()
	defer capture.Stop()

	if pushToTalk {
		fmt.Println(noticeStyle.Render("push-to-talk mode: press Enter to start/stop speaking, q to quit"))
	} else {
		fmt.Println(stateStyle.Render("listening — just speak; q to quit"))
	}

	quit := make(chan struct{})
	go func() {
		defer close(quit)
		sc := bufio.NewScanner(os.Stdin)
		listening := false
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			switch line {
			case "q", "quit", "exit":
				return
			case "":
				if !pushToTalk {
					continue
				}
				if listening {
					eng.EndListen()
				} else {
					eng.TriggerListen()
				}
				listening = !listening
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-quit:
	}
	fmt.Println(stateStyle.Render("goodbye"))
}
