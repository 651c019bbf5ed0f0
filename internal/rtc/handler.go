package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"gopkg.in/hraban/opus.v2"

	"github.com/chadiek/voiceloop/internal/config"
	"github.com/chadiek/voiceloop/internal/echoguard"
	"github.com/chadiek/voiceloop/internal/engine"
	"github.com/chadiek/voiceloop/internal/llm"
	"github.com/chadiek/voiceloop/internal/playback"
	"github.com/chadiek/voiceloop/internal/transcriber"
	"github.com/chadiek/voiceloop/internal/tts"
	"github.com/chadiek/voiceloop/internal/vad"
)

// SessionDescription is a small DTO so transports never expose webrtc types.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// clientEvent is pushed to the browser over the control data channel (and
// the signaling socket, when one is still open): state transitions, live
// captions and recoverable errors.
type clientEvent struct {
	Type    string `json:"type"`
	State   string `json:"state,omitempty"`
	Text    string `json:"text,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handler builds one conversation engine per WebRTC call.
type Handler struct {
	cfg config.Config
	log zerolog.Logger
}

func NewHandler(cfg config.Config, log zerolog.Logger) *Handler {
	return &Handler{cfg: cfg, log: log.With().Str("component", "rtc").Logger()}
}

// call owns the per-connection engine and its collaborators.
type call struct {
	id   string
	log  zerolog.Logger
	eng  *engine.Engine
	st   *transcriber.Service
	sink *OpusTrackSink

	mu     sync.Mutex
	notify func(clientEvent)
}

func (c *call) emit(ev clientEvent) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *call) setNotify(fn func(clientEvent)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// newCall wires detector, transcriber, echo guard, playback and the reply
// pipeline into an engine whose voice goes out through the given track.
func (h *Handler) newCall(id string, track sampleWriter) (*call, error) {
	log := h.log.With().Str("call", id).Logger()
	t := h.cfg.Tuning

	sink, err := NewOpusTrackSink(track)
	if err != nil {
		return nil, err
	}

	player := playback.New(playback.Config{
		FadeOut: t.FadeOut,
		// Text must outlive the guard's post-roll or late echo finals
		// would find nothing to match against.
		Grace: t.EchoGrace + 250*time.Millisecond,
	}, sink, log)

	guard := echoguard.New(echoguard.Window{
		PreRoll:          150 * time.Millisecond,
		PostRoll:         t.EchoGrace,
		OverlapThreshold: t.EchoOverlap,
	}, player)

	var det engine.Detector
	d, err := vad.New(vad.Config{
		SampleRate:  t.SampleRate,
		FrameMs:     t.VADFrameMs,
		Mode:        3,
		StartFrames: t.VADStartFrames,
		EndSilence:  t.VADEndSilence,
	}, log)
	if err != nil {
		// Speech detection is degraded, not fatal: the control channel
		// still drives turns via listen/stop commands.
		log.Warn().Err(err).Msg("voice detection unavailable, falling back to manual triggers")
		det = engine.NewNopDetector()
	} else {
		det = d
	}

	st := transcriber.NewService(transcriber.Config{
		APIKey:     h.cfg.AssemblyAIKey,
		SampleRate: t.SampleRate,
	}, log)

	reply := llm.NewCerebrasClient(h.cfg.CerebrasKey, h.cfg.CerebrasModelID)

	var synth engine.Synthesizer
	if h.cfg.TTSProvider == "deepgram" {
		synth = tts.NewDeepgramClient(h.cfg.DeepgramKey, h.cfg.DeepgramModelID, log)
	} else {
		synth = tts.NewElevenLabsClient(h.cfg.ElevenLabsKey, h.cfg.ElevenLabsVoiceID, log)
	}

	c := &call{id: id, log: log, st: st, sink: sink}
	hooks := engine.Hooks{
		OnStateChange: func(newState, _ engine.State) {
			c.emit(clientEvent{Type: "state", State: newState.String()})
		},
		OnInterimTranscript: func(text string) {
			c.emit(clientEvent{Type: "interim", Text: text})
		},
		OnUserUtteranceFinalized: func(text string) {
			c.emit(clientEvent{Type: "utterance", Text: text})
		},
		OnRecoverableError: func(kind engine.ErrorKind, msg string) {
			c.emit(clientEvent{Type: "notice", Kind: string(kind), Message: msg})
		},
	}
	c.eng = engine.New(engine.Config{
		TrailingClose:    t.TrailingClose,
		FinalTimeout:     t.FinalTimeout,
		ReplyTimeout:     t.ReplyTimeout,
		SynthesisTimeout: t.SynthesisTimeout,
	}, det, st, guard, player, reply, synth, hooks, log)
	return c, nil
}

func (c *call) shutdown() {
	c.eng.Stop()
	c.st.Shutdown()
	c.sink.FlushTail()
	time.AfterFunc(400*time.Millisecond, c.sink.Close)
}

// handleControl maps data-channel commands onto engine operations.
func (c *call) handleControl(raw []byte) {
	cmd := strings.TrimSpace(strings.ToLower(string(raw)))
	switch cmd {
	case "listen", "push-to-talk":
		c.eng.TriggerListen()
	case "stop-listening":
		c.eng.EndListen()
	case "stop", "stop-speaking", "cancel", "barge-in":
		// A deliberate interrupt from the client UI.
		c.eng.TriggerListen()
	default:
		c.log.Debug().Str("cmd", cmd).Msg("unknown control command")
	}
}

// HandleOffer accepts an SDP offer and returns an SDP answer with ICE
// gathering completed, for the plain HTTP signaling path.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	callID := uuid.NewString()
	pc, outTrack, err := h.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}

	if _, err := h.attachCall(callID, pc, outTrack); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	<-gathered
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// newPeer builds a PeerConnection with default codecs and interceptors
// plus the outbound agent audio track.
func (h *Handler) newPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(h.cfg.ICEServersJSON)})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// attachCall binds the engine lifecycle to the peer connection: control
// channel, remote audio and teardown.
func (h *Handler) attachCall(callID string, pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) (*call, error) {
	c, err := h.newCall(callID, outTrack)
	if err != nil {
		return nil, err
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		dc.OnOpen(func() {
			c.log.Info().Msg("control channel open")
			c.setNotify(func(ev clientEvent) {
				data, err := json.Marshal(ev)
				if err != nil {
					return
				}
				_ = dc.SendText(string(data))
			})
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			c.handleControl(msg.Data)
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.log.Debug().Stringer("state", state).Msg("ice state")
	})

	var closeOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Info().Stringer("state", state).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			closeOnce.Do(func() {
				c.shutdown()
				_ = pc.Close()
			})
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.log.Info().Str("codec", remote.Codec().MimeType).Msg("remote audio track")

		dec, err := opus.NewDecoder(h.cfg.Tuning.SampleRate, 1)
		if err != nil {
			c.log.Error().Err(err).Msg("opus decoder")
			return
		}
		// The engine outlives the signaling request; teardown is driven by
		// the peer connection state, not the request context.
		if err := c.eng.Start(context.Background()); err != nil {
			c.log.Error().Err(err).Msg("engine start")
			return
		}
		go c.readMic(remote, dec, h.cfg.Tuning.SampleRate)
	})
	return c, nil
}

// readMic decodes inbound Opus to PCM16LE and feeds the engine in ~50ms
// chunks, which keeps detection latency low without flooding the
// transcription socket with tiny frames.
func (c *call) readMic(remote *webrtc.TrackRemote, dec *opus.Decoder, sampleRate int) {
	chunkBytes := sampleRate / 20 * 2 // 50ms of PCM16LE
	samples := make([]int16, 1920)
	buf := make([]byte, 0, chunkBytes*4)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			c.log.Debug().Err(err).Msg("rtp read ended")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			c.log.Debug().Err(err).Msg("opus decode")
			continue
		}
		start := len(buf)
		buf = append(buf, make([]byte, n*2)...)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(buf[start+i*2:], uint16(samples[i]))
		}
		for len(buf) >= chunkBytes {
			chunk := make([]byte, chunkBytes)
			copy(chunk, buf[:chunkBytes])
			c.eng.FeedAudio(chunk)
			buf = append(buf[:0], buf[chunkBytes:]...)
		}
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
