package rtc

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the signaling frame format. Types: "auth", "offer",
// "answer", "candidate", "ice-complete", "bye", "error", plus the engine
// event types of clientEvent which share the same socket.
type signalMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Demo deployment; restrict in production.
		return true
	},
}

// wsWriter serializes concurrent writers on one signaling socket.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsWriter) sendError(err error) {
	_ = w.send(signalMessage{Type: "error", Error: err.Error()})
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer plus
// trickle ICE signaling. After the answer it keeps the socket open and
// streams engine events (state, interim captions, notices) to the client.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("ws upgrade")
		return
	}
	defer func() { _ = conn.Close() }()
	out := &wsWriter{conn: conn}

	if pw := h.cfg.SignalPassword; pw != "" && !AuthOK(r, pw) {
		// The first frame may still carry credentials.
		var m signalMessage
		if err := conn.ReadJSON(&m); err != nil || strings.ToLower(m.Type) != "auth" || m.Password != pw {
			out.sendError(errors.New("unauthorized"))
			return
		}
	}

	offerSDP, err := readOffer(conn)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws closed before offer")
		return
	}

	pc, outTrack, err := h.newPeer()
	if err != nil {
		out.sendError(err)
		return
	}
	defer func() { _ = pc.Close() }()

	callID := uuid.NewString()
	log := h.log.With().Str("call", callID).Logger()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			_ = out.send(signalMessage{Type: "ice-complete"})
			return
		}
		init := cand.ToJSON()
		_ = out.send(signalMessage{
			Type:          "candidate",
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	c, err := h.attachCall(callID, pc, outTrack)
	if err != nil {
		out.sendError(err)
		return
	}
	// Mirror engine events onto the signaling socket; a control data
	// channel, once open, takes over delivery.
	c.setNotify(func(ev clientEvent) { _ = out.send(ev) })

	// Remote trickle candidates and hangup arrive on the same socket.
	go func() {
		for {
			var m signalMessage
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				_ = pc.AddICECandidate(webrtc.ICECandidateInit{
					Candidate:     m.Candidate,
					SDPMid:        m.SDPMid,
					SDPMLineIndex: m.SDPMLineIndex,
				})
			case "bye":
				_ = pc.Close()
				return
			}
		}
	}()

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		out.sendError(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		out.sendError(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		out.sendError(err)
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		out.sendError(errors.New("no local description"))
		return
	}
	if err := out.send(signalMessage{Type: "answer", SDP: local.SDP}); err != nil {
		log.Error().Err(err).Msg("ws write answer")
		return
	}

	// Hold the handler open until the peer connection dies; the engine
	// teardown hangs off the connection state callback.
	for {
		time.Sleep(2 * time.Second)
		switch pc.ConnectionState() {
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			return
		}
	}
}

func readOffer(conn *websocket.Conn) (string, error) {
	for {
		var m signalMessage
		if err := conn.ReadJSON(&m); err != nil {
			return "", err
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				return m.SDP, nil
			}
		case "bye":
			return "", errors.New("client hung up")
		}
	}
}

// AuthOK accepts the shared secret as a query parameter, bearer token or
// X-Auth-Token header.
func AuthOK(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
