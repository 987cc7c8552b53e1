package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"collabEngine/backend/internal/crdt"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"
)

const dataChannelLabel = "collab"

type rtcPeer struct {
	id   string
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	open bool
}

// WebRTCTransport 点对点 data channel 传输。
// 信令（offer/answer）由调用方中转，这里只处理非 trickle 的完整 SDP。
type WebRTCTransport struct {
	replicaID string
	config    webrtc.Configuration

	mu      sync.RWMutex
	peers   map[string]*rtcPeer
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWebRTCTransport(replicaID string, stunServers []string, handler Handler) *WebRTCTransport {
	ctx, cancel := context.WithCancel(context.Background())
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &WebRTCTransport{
		replicaID: replicaID,
		config:    config,
		peers:     make(map[string]*rtcPeer),
		handler:   handler,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (w *WebRTCTransport) SetHandler(h Handler) {
	w.mu.Lock()
	w.handler = h
	w.mu.Unlock()
}

// CreateOffer 主动方：建连接 + data channel，返回收集完候选后的 offer
func (w *WebRTCTransport) CreateOffer(peerID string) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(w.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	p := &rtcPeer{id: peerID, pc: pc, dc: dc}
	w.addPeer(p)
	w.setupPeer(p)
	w.setupDataChannel(p, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gathered
	return pc.LocalDescription(), nil
}

// HandleOffer 被动方：data channel 由对端创建
func (w *WebRTCTransport) HandleOffer(peerID string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(w.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	p := &rtcPeer{id: peerID, pc: pc}
	w.addPeer(p)
	w.setupPeer(p)

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gathered
	return pc.LocalDescription(), nil
}

func (w *WebRTCTransport) HandleAnswer(peerID string, answer webrtc.SessionDescription) error {
	w.mu.RLock()
	p, ok := w.peers[peerID]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no peer connection found for %s", peerID)
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (w *WebRTCTransport) addPeer(p *rtcPeer) {
	w.mu.Lock()
	old := w.peers[p.id]
	w.peers[p.id] = p
	w.mu.Unlock()
	if old != nil {
		_ = old.pc.Close()
	}
}

func (w *WebRTCTransport) setupPeer(p *rtcPeer) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		glog.V(1).Infof("webrtc peer %s state %s", p.id, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			w.removePeer(p)
		}
	})
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		w.mu.Lock()
		p.dc = dc
		w.mu.Unlock()
		w.setupDataChannel(p, dc)
	})
}

func (w *WebRTCTransport) setupDataChannel(p *rtcPeer, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		w.mu.Lock()
		p.open = true
		w.mu.Unlock()
		glog.Infof("webrtc data channel open with %s", p.id)
	})
	dc.OnClose(func() {
		w.mu.Lock()
		p.open = false
		w.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		w.mu.RLock()
		h := w.handler
		w.mu.RUnlock()

		env, err := Decode(msg.Data)
		if err != nil {
			glog.Warningf("webrtc: drop malformed message from %s: %v", p.id, err)
			return
		}
		if env.SenderReplica == w.replicaID || h == nil {
			return
		}
		if err := h(w.ctx, env); err != nil {
			glog.Warningf("webrtc: apply remote op from %s doc=%s err=%v", p.id, env.DocumentID, err)
		}
	})
	dc.OnError(func(err error) {
		glog.Warningf("webrtc data channel error with %s: %v", p.id, err)
	})
}

func (w *WebRTCTransport) removePeer(p *rtcPeer) {
	w.mu.Lock()
	if cur, ok := w.peers[p.id]; ok && cur == p {
		delete(w.peers, p.id)
	}
	w.mu.Unlock()
}

// BroadcastOperation 发给所有已打开的 data channel；没有对端时不算失败
func (w *WebRTCTransport) BroadcastOperation(ctx context.Context, documentID string, op crdt.Operation) error {
	return w.send(NewEnvelope(w.replicaID, documentID, op))
}

func (w *WebRTCTransport) RequestSync(ctx context.Context, documentID string, heads crdt.VersionVector, reply bool) error {
	return w.send(NewSyncEnvelope(w.replicaID, documentID, heads, reply))
}

func (w *WebRTCTransport) send(env Envelope) error {
	if w.ctx.Err() != nil {
		return ErrClosed
	}
	b, err := Encode(env)
	if err != nil {
		return err
	}
	w.mu.RLock()
	targets := make([]*rtcPeer, 0, len(w.peers))
	for _, p := range w.peers {
		if p.open && p.dc != nil {
			targets = append(targets, p)
		}
	}
	w.mu.RUnlock()

	var errs []error
	sent := 0
	for _, p := range targets {
		if err := p.dc.Send(b); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", p.id, err))
			continue
		}
		sent++
	}
	if sent == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (w *WebRTCTransport) ConnectedPeers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []string
	for id, p := range w.peers {
		if p.open {
			out = append(out, id)
		}
	}
	return out
}

func (w *WebRTCTransport) DisconnectPeer(peerID string) error {
	w.mu.Lock()
	p, ok := w.peers[peerID]
	delete(w.peers, peerID)
	w.mu.Unlock()
	if !ok {
		return nil
	}
	if p.dc != nil {
		_ = p.dc.Close()
	}
	return p.pc.Close()
}

func (w *WebRTCTransport) Close() {
	w.cancel()
	w.mu.Lock()
	peers := w.peers
	w.peers = make(map[string]*rtcPeer)
	w.mu.Unlock()
	for _, p := range peers {
		if p.dc != nil {
			_ = p.dc.Close()
		}
		_ = p.pc.Close()
	}
}
