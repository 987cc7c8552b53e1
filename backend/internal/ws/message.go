package ws

import (
	"encoding/json"
	"time"

	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/presence"
)

// 客户端 → 服务端的消息类型
const (
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeOpSubmit       = "op_submit"
	TypePresenceUpdate = "presence_update"
	TypeShowPresences  = "show_presences"
	TypeCreateVersion  = "create_version"
	TypeSaveDocument   = "save_document"
	TypeHeartbeat      = "heartbeat"
)

// 服务端 → 客户端
const (
	TypeWelcome     = "welcome"
	TypeJoined      = "joined"
	TypeOpApplied   = "op_applied"
	TypeOpBroadcast = "op_broadcast"
	TypePresence    = "presence"
	TypeVersion     = "version"
	TypeSaved       = "saved"
	TypeFeedback    = "feedback"
	TypeError       = "error"
	TypeIgnored     = "ignored"
)

type ClientMessage struct {
	Type      string              `json:"type"`
	DocID     string              `json:"docId"`
	ClientID  string              `json:"clientId,omitempty"`
	ClientSeq uint64              `json:"clientSeq,omitempty"`
	Op        json.RawMessage     `json:"op,omitempty"`
	Cursor    *presence.Position  `json:"cursor,omitempty"`
	Selection *presence.Selection `json:"selection,omitempty"`
	IsTyping  bool                `json:"isTyping,omitempty"`
	QoSTier   *uint8              `json:"qosTier,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

type ServerMessage struct {
	Type      string                  `json:"type"`
	UserID    string                  `json:"userId,omitempty"`
	DocID     string                  `json:"docId,omitempty"`
	Code      string                  `json:"code,omitempty"`
	Content   string                  `json:"content,omitempty"`
	Document  *crdt.DocumentContent   `json:"document,omitempty"`
	Presences []presence.UserPresence `json:"presences,omitempty"`
}

// OpAppliedMessage 给提交者的 ack，带上服务端绑定后的操作（ID/ParentID/Targets）
type OpAppliedMessage struct {
	Type      string         `json:"type"` // 固定 "op_applied"
	DocID     string         `json:"docId"`
	ClientID  string         `json:"clientId,omitempty"`
	ClientSeq uint64         `json:"clientSeq,omitempty"`
	Op        crdt.Operation `json:"op"`
}

// OpBroadcastMessage 推给同文档其它连接（包括同用户的其它标签页）
type OpBroadcastMessage struct {
	Type      string         `json:"type"` // 固定 "op_broadcast"
	DocID     string         `json:"docId"`
	AuthorID  string         `json:"authorId"`
	Op        crdt.Operation `json:"op"`
	AppliedAt time.Time      `json:"appliedAt"`
}

type VersionMessage struct {
	Type          string    `json:"type"` // 固定 "version"
	DocID         string    `json:"docId"`
	VersionID     string    `json:"versionId"`
	VersionNumber uint64    `json:"versionNumber"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (m ServerMessage) MessageType() string      { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
func (m VersionMessage) MessageType() string     { return m.Type }

func errorMessage(docID, code string, err error) ServerMessage {
	return ServerMessage{Type: TypeError, DocID: docID, Code: code, Content: err.Error()}
}
