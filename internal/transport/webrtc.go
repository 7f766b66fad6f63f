package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/quiltmesh/quilt/internal/proto"
	"github.com/quiltmesh/quilt/internal/util"
)

var log = logging.Logger("transport")

const dataChannelLabel = "quilt-data"

// WebRTC is the production Dialer. ICE servers come from a provider so the
// directory's credential cache (with stale fallback) stays in charge.
type WebRTC struct {
	iceProvider func(ctx context.Context) ([]webrtc.ICEServer, error)
}

func NewWebRTC(iceProvider func(ctx context.Context) ([]webrtc.ICEServer, error)) *WebRTC {
	return &WebRTC{iceProvider: iceProvider}
}

func (w *WebRTC) NewSession(peerID string, initiator bool, cb Callbacks) (Session, error) {
	var servers []webrtc.ICEServer
	if w.iceProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultDirectoryTimeout)
		defer cancel()
		s, err := w.iceProvider(ctx)
		if err != nil {
			// Credentials are an optimization; STUN-less negotiation can
			// still succeed on friendly networks.
			log.Warnf("ice servers unavailable for %s: %v", util.ShortID(peerID), err)
		} else {
			servers = s
		}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &webrtcSession{
		peerID:    peerID,
		pc:        pc,
		cb:        cb,
		initiator: initiator,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		cb.OnSignal(proto.SignalCandidate, string(b))
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("%s: connection state %s", util.ShortID(peerID), st)
		switch st {
		case webrtc.PeerConnectionStateFailed:
			if cb.OnFailed != nil {
				cb.OnFailed()
			}
		case webrtc.PeerConnectionStateClosed:
			if cb.OnClosed != nil {
				cb.OnClosed()
			}
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		s.wireChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			s.wireChannel(dc)
		})
	}

	return s, nil
}

type webrtcSession struct {
	peerID    string
	pc        *webrtc.PeerConnection
	cb        Callbacks
	initiator bool

	mu      sync.Mutex
	dc      *webrtc.DataChannel
	pending []webrtc.ICECandidateInit // candidates arriving before the remote description
}

func (s *webrtcSession) wireChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		if s.cb.OnOpen != nil {
			s.cb.OnOpen()
		}
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		if s.cb.OnMessage != nil {
			s.cb.OnMessage(m.Data)
		}
	})
	dc.OnClose(func() {
		if s.cb.OnClosed != nil {
			s.cb.OnClosed()
		}
	})
}

// Start creates and publishes the offer. Candidate trickling follows via
// OnICECandidate.
func (s *webrtcSession) Start(ctx context.Context) error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	b, _ := json.Marshal(offer)
	s.cb.OnSignal(proto.SignalOffer, string(b))
	return nil
}

func (s *webrtcSession) HandleSignal(kind, payload string) error {
	switch kind {
	case proto.SignalOffer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal([]byte(payload), &desc); err != nil {
			return fmt.Errorf("decode offer: %w", err)
		}
		if err := s.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		s.flushPending()
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		b, _ := json.Marshal(answer)
		s.cb.OnSignal(proto.SignalAnswer, string(b))
		return nil

	case proto.SignalAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal([]byte(payload), &desc); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		if err := s.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		s.flushPending()
		return nil

	case proto.SignalCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(payload), &cand); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		if s.pc.RemoteDescription() == nil {
			s.mu.Lock()
			s.pending = append(s.pending, cand)
			s.mu.Unlock()
			return nil
		}
		return s.pc.AddICECandidate(cand)

	default:
		return fmt.Errorf("unknown signal kind %q", kind)
	}
}

// flushPending adds candidates buffered before the remote description landed.
func (s *webrtcSession) flushPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, cand := range pending {
		if err := s.pc.AddICECandidate(cand); err != nil {
			log.Debugf("%s: buffered candidate rejected: %v", util.ShortID(s.peerID), err)
		}
	}
}

func (s *webrtcSession) Send(data []byte) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	return dc.Send(data)
}

func (s *webrtcSession) Close() error {
	return s.pc.Close()
}
