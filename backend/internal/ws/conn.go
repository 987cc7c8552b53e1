package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/entity"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/transport"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Service ws 层用到的协作引擎能力
type Service interface {
	InitializeDocument(ctx context.Context, documentID, userID string) error
	ApplyOperation(ctx context.Context, documentID string, op crdt.Operation) (crdt.Operation, error)
	SubscribeToOperations(documentID string) (*collab.Subscription, error)
	GetContent(documentID string) (crdt.DocumentContent, error)
	UpdatePresence(ctx context.Context, documentID, userID string, cursor *presence.Position, selection *presence.Selection, isTyping bool, qosTier uint8) error
	RemovePresence(ctx context.Context, documentID, userID string) (bool, error)
	GetPresences(documentID string) ([]presence.UserPresence, error)
	CreateVersion(ctx context.Context, documentID, userID string) (*entity.DocumentVersion, error)
	SaveSnapshot(ctx context.Context, documentID string) error
}

const submitTimeout = 200 * time.Millisecond

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	svc      Service
	sem      *transport.SendLimiter
	userID   string
	username string

	// 当前所在文档和它的订阅
	docID string
	sub   *collab.Subscription

	submitMu sync.Mutex
	mu       sync.Mutex
	closed   bool
	send     chan OutboundMessage

	// 自己提交的操作：订阅里收到时不再回推
	own map[crdt.OperationID]struct{}
}

func NewConn(ws *websocket.Conn, hub *Hub, userID, username string, svc Service, sem *transport.SendLimiter) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		svc:      svc,
		sem:      sem,
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, 64),
		own:      make(map[crdt.OperationID]struct{}),
	}
}

// SendMessage_Enqueue 队列满了直接丢，不阻塞读循环和订阅泵
func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		glog.V(1).Infof("ws send queue full (user=%s), drop %s", c.userID, msg.MessageType())
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) markOwn(id crdt.OperationID) {
	c.mu.Lock()
	c.own[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) takeOwn(id crdt.OperationID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.own[id]; ok {
		delete(c.own, id)
		return true
	}
	return false
}

// pump 把订阅里的操作转成 op_broadcast
func (c *Conn) pump(docID string, sub *collab.Subscription) {
	for op := range sub.C {
		c.submitMu.Lock()
		own := c.takeOwn(op.ID)
		c.submitMu.Unlock()
		if own {
			continue
		}
		c.SendMessage_Enqueue(OpBroadcastMessage{
			Type:      TypeOpBroadcast,
			DocID:     docID,
			AuthorID:  op.Author(),
			Op:        op,
			AppliedAt: time.Now(),
		})
	}
}

func (c *Conn) handleJoin(ctx context.Context, docID string) {
	if docID == "" {
		c.SendMessage_Enqueue(ServerMessage{Type: TypeError, Code: "MISSING_DOC_ID", Content: "docId is required"})
		return
	}
	if docID == c.docID {
		c.sendJoined(docID)
		return
	}
	if err := c.svc.InitializeDocument(ctx, docID, c.userID); err != nil {
		c.SendMessage_Enqueue(errorMessage(docID, collab.ErrorCode(err), err))
		return
	}
	sub, err := c.svc.SubscribeToOperations(docID)
	if err != nil {
		c.SendMessage_Enqueue(errorMessage(docID, collab.ErrorCode(err), err))
		return
	}
	// 先离开旧房间
	c.leave(ctx)

	c.docID = docID
	c.sub = sub
	c.hub.Join(docID, c)
	go c.pump(docID, sub)

	if err := c.svc.UpdatePresence(ctx, docID, c.userID, nil, nil, false, presence.DefaultQoSTier); err != nil {
		glog.Warningf("join presence (user=%s, doc=%s): %v", c.userID, docID, err)
	}
	c.sendJoined(docID)
	c.broadcastPresences(docID)
}

func (c *Conn) sendJoined(docID string) {
	content, err := c.svc.GetContent(docID)
	if err != nil {
		c.SendMessage_Enqueue(errorMessage(docID, collab.ErrorCode(err), err))
		return
	}
	presences, _ := c.svc.GetPresences(docID)
	c.SendMessage_Enqueue(ServerMessage{Type: TypeJoined, DocID: docID, UserID: c.userID, Document: &content, Presences: presences})
}

func (c *Conn) leave(ctx context.Context) {
	if c.docID == "" {
		return
	}
	docID := c.docID
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.hub.Leave(docID, c)
	c.docID = ""
	if _, err := c.svc.RemovePresence(ctx, docID, c.userID); err != nil {
		glog.V(1).Infof("leave presence (user=%s, doc=%s): %v", c.userID, docID, err)
		return
	}
	c.broadcastPresences(docID)
}

func (c *Conn) broadcastPresences(docID string) {
	presences, err := c.svc.GetPresences(docID)
	if err != nil {
		return
	}
	c.hub.BroadcastPresence(docID, presences)
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	if c.docID == "" || (msg.DocID != "" && msg.DocID != c.docID) {
		c.SendMessage_Enqueue(ServerMessage{Type: TypeError, DocID: msg.DocID, Code: "NOT_JOINED", Content: "join the document first"})
		return
	}
	op, err := crdt.ParseOperation(msg.Op)
	if err != nil {
		c.SendMessage_Enqueue(errorMessage(c.docID, collab.ErrorCode(err), err))
		return
	}
	// 作者以鉴权结果为准
	op.UserID = c.userID

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	var applied crdt.Operation
	submit := func() error {
		var err error
		applied, err = c.applyOwn(submitCtx, op)
		return err
	}
	if c.sem != nil {
		err = c.sem.Do(submitCtx, submit)
	} else {
		err = submit()
	}
	switch {
	case errors.Is(err, transport.ErrSendBusy):
		c.SendMessage_Enqueue(errorMessage(c.docID, "BUSY", err))
		return
	case err != nil:
		c.SendMessage_Enqueue(errorMessage(c.docID, collab.ErrorCode(err), err))
		return
	}
	c.SendMessage_Enqueue(OpAppliedMessage{Type: TypeOpApplied, DocID: c.docID, ClientID: msg.ClientID, ClientSeq: msg.ClientSeq, Op: applied})
}

// applyOwn 提交期间持有 submitMu，泵在登记完成之前拿不到这条操作
func (c *Conn) applyOwn(ctx context.Context, op crdt.Operation) (crdt.Operation, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	applied, err := c.svc.ApplyOperation(ctx, c.docID, op)
	if err != nil {
		return crdt.Operation{}, err
	}
	c.markOwn(applied.ID)
	return applied, nil
}

func (c *Conn) handlePresenceUpdate(ctx context.Context, msg ClientMessage) {
	if c.docID == "" {
		c.SendMessage_Enqueue(ServerMessage{Type: TypeError, Code: "NOT_JOINED", Content: "join the document first"})
		return
	}
	tier := presence.DefaultQoSTier
	if msg.QoSTier != nil {
		tier = *msg.QoSTier
	}
	if err := c.svc.UpdatePresence(ctx, c.docID, c.userID, msg.Cursor, msg.Selection, msg.IsTyping, tier); err != nil {
		c.SendMessage_Enqueue(errorMessage(c.docID, collab.ErrorCode(err), err))
		return
	}
	c.broadcastPresences(c.docID)
}

// handleHeartbeat 刷新 presence 的更新时间，保持原有光标
func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.docID != "" {
		var (
			cursor    *presence.Position
			selection *presence.Selection
			typing    bool
			tier      = presence.DefaultQoSTier
		)
		presences, _ := c.svc.GetPresences(c.docID)
		for _, p := range presences {
			if p.UserID == c.userID {
				cursor, selection, typing, tier = p.Cursor, p.Selection, p.IsTyping, p.QoSTier
				break
			}
		}
		if err := c.svc.UpdatePresence(ctx, c.docID, c.userID, cursor, selection, typing, tier); err != nil {
			glog.Warningf("heartbeat presence (user=%s, doc=%s): %v", c.userID, c.docID, err)
		}
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypeFeedback, Content: "Heartbeat received"})
}

func (c *Conn) handleShowPresences(ctx context.Context) {
	if c.docID == "" {
		c.SendMessage_Enqueue(ServerMessage{Type: TypeError, Code: "NOT_JOINED", Content: "join the document first"})
		return
	}
	var presences []presence.UserPresence
	if c.hub.presence != nil {
		alive, err := c.hub.presence.Alive(ctx, c.docID)
		if err != nil {
			glog.Warningf("get alive presences (doc=%s): %v", c.docID, err)
		} else {
			presences = alive
		}
	}
	if presences == nil {
		presences, _ = c.svc.GetPresences(c.docID)
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypePresence, DocID: c.docID, Presences: presences})
}

func (c *Conn) handleCreateVersion(ctx context.Context, docID string) {
	if docID == "" {
		docID = c.docID
	}
	v, err := c.svc.CreateVersion(ctx, docID, c.userID)
	if err != nil {
		c.SendMessage_Enqueue(errorMessage(docID, collab.ErrorCode(err), err))
		return
	}
	c.SendMessage_Enqueue(VersionMessage{Type: TypeVersion, DocID: docID, VersionID: v.ID, VersionNumber: v.VersionNumber, CreatedAt: v.CreatedAt})
}

func (c *Conn) handleSave(ctx context.Context, docID string) {
	if docID == "" {
		docID = c.docID
	}
	if err := c.svc.SaveSnapshot(ctx, docID); err != nil {
		glog.Warningf("save document %s: %v", docID, err)
		c.SendMessage_Enqueue(errorMessage(docID, collab.ErrorCode(err), err))
		return
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypeSaved, DocID: docID, Content: "Document " + docID + " saved"})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.leave(context.Background())
		c.closeSend()
	}()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			glog.V(1).Infof("read json error (user=%s, doc=%s): %v", c.userID, c.docID, err)
			return
		}
		switch msg.Type {
		case TypeJoin:
			c.handleJoin(ctx, msg.DocID)
		case TypeLeave:
			c.leave(ctx)
		case TypeOpSubmit:
			c.handleOpSubmit(ctx, msg)
		case TypePresenceUpdate:
			c.handlePresenceUpdate(ctx, msg)
		case TypeShowPresences:
			c.handleShowPresences(ctx)
		case TypeCreateVersion:
			c.handleCreateVersion(ctx, msg.DocID)
		case TypeSaveDocument:
			c.handleSave(ctx, msg.DocID)
		case TypeHeartbeat:
			c.handleHeartbeat(ctx)
		default:
			c.SendMessage_Enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的消息，直到 readLoop 关闭它
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			glog.V(1).Infof("write json error (user=%s): %v", c.userID, err)
		}
	}
}
