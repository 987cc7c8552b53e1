package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
)

// Signaler 副本之间 WebRTC 握手（非 trickle，SDP 里已带全部 candidate）
type Signaler interface {
	HandleOffer(peerID string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ConnectedPeers() []string
}

type RTCHandler struct {
	sig Signaler
}

func NewRTCHandler(sig Signaler) *RTCHandler {
	return &RTCHandler{sig: sig}
}

type offerReq struct {
	PeerID string                    `json:"peerId" binding:"required"`
	Offer  webrtc.SessionDescription `json:"offer"`
}

func (h *RTCHandler) Offer(c *gin.Context) {
	var req offerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Offer.Type != webrtc.SDPTypeOffer || req.Offer.SDP == "" {
		badRequest(c, "offer sdp required")
		return
	}
	answer, err := h.sig.HandleOffer(req.PeerID, req.Offer)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "RTC_NEGOTIATION_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer})
}

func (h *RTCHandler) Peers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.sig.ConnectedPeers()})
}
