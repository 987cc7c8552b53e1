package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/conflict"
	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/entity"
	"collabEngine/backend/internal/presence"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/google/uuid"
)

// DocumentStore 文档元数据的读写（gorm 或内存实现）
type DocumentStore interface {
	GetDocument(ctx context.Context, documentID string) (*entity.Document, error)
	CreateDocument(ctx context.Context, doc *entity.Document) error
	ShareDocument(ctx context.Context, share *entity.DocumentShare) error
	ListDocumentVersions(ctx context.Context, documentID string) ([]entity.DocumentVersion, error)
}

type DocumentHandler struct {
	svc   *collab.RealtimeService
	store DocumentStore
}

func NewDocumentHandler(svc *collab.RealtimeService, store DocumentStore) *DocumentHandler {
	return &DocumentHandler{svc: svc, store: store}
}

// statusFor 错误 → HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound), errors.Is(err, conflict.ErrConflictNotFound):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, crdt.ErrSerialization), errors.Is(err, crdt.ErrInvalidOperation), errors.Is(err, presence.ErrInvalidPresence):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrSync), errors.Is(err, collab.ErrVersionConflict), errors.Is(err, crdt.ErrCausalityViolation):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		glog.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, gin.H{"code": collab.ErrorCode(err), "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": msg})
}

type createDocumentReq struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	var req createDocumentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	raw, err := contentJSON(req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	doc := &entity.Document{ID: req.ID, OwnerID: c.GetString("userId"), Title: req.Title, Content: raw}
	if err := h.store.CreateDocument(c.Request.Context(), doc); err != nil {
		if errors.Is(err, entity.ErrDuplicateRecord) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"code": "DUPLICATE_DOCUMENT", "message": err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"docId": doc.ID, "ownerId": doc.OwnerID, "title": doc.Title, "createdAt": doc.CreatedAt.Format(time.RFC3339)})
}

type shareReq struct {
	UserID     string            `json:"userId" binding:"required"`
	Permission entity.Permission `json:"permission" binding:"required"`
}

// ShareDocument 只有所有者可以分享
func (h *DocumentHandler) ShareDocument(c *gin.Context) {
	var req shareReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !req.Permission.Valid() {
		badRequest(c, "unknown permission "+string(req.Permission))
		return
	}
	docID := c.Param("docId")
	doc, err := h.store.GetDocument(c.Request.Context(), docID)
	if err != nil {
		writeError(c, err)
		return
	}
	if doc == nil {
		writeError(c, collab.ErrDocumentNotFound)
		return
	}
	if doc.OwnerID != c.GetString("userId") {
		writeError(c, collab.ErrAccessDenied)
		return
	}
	share := &entity.DocumentShare{DocumentID: docID, UserID: req.UserID, Permission: req.Permission}
	if err := h.store.ShareDocument(c.Request.Context(), share); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, share)
}

func (h *DocumentHandler) OpenDocument(c *gin.Context) {
	docID := c.Param("docId")
	if err := h.svc.InitializeDocument(c.Request.Context(), docID, c.GetString("userId")); err != nil {
		writeError(c, err)
		return
	}
	h.GetContent(c)
}

func (h *DocumentHandler) CloseDocument(c *gin.Context) {
	if err := h.svc.CloseDocument(c.Param("docId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DocumentHandler) GetContent(c *gin.Context) {
	content, err := h.svc.GetContent(c.Param("docId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, content)
}

// ApplyOperation 请求体就是 crdt.Operation；作者以 token 为准
func (h *DocumentHandler) ApplyOperation(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	op, err := crdt.ParseOperation(body)
	if err != nil {
		writeError(c, err)
		return
	}
	op.UserID = c.GetString("userId")
	applied, err := h.svc.ApplyOperation(c.Request.Context(), c.Param("docId"), op)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

func (h *DocumentHandler) GetOperations(c *gin.Context) {
	ops, err := h.svc.GetOperations(c.Param("docId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

type presenceReq struct {
	Cursor    *presence.Position  `json:"cursor"`
	Selection *presence.Selection `json:"selection"`
	IsTyping  bool                `json:"isTyping"`
	QoSTier   *uint8              `json:"qosTier"`
}

func (h *DocumentHandler) UpdatePresence(c *gin.Context) {
	var req presenceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	tier := presence.DefaultQoSTier
	if req.QoSTier != nil {
		tier = *req.QoSTier
	}
	docID := c.Param("docId")
	if err := h.svc.UpdatePresence(c.Request.Context(), docID, c.GetString("userId"), req.Cursor, req.Selection, req.IsTyping, tier); err != nil {
		writeError(c, err)
		return
	}
	h.GetPresences(c)
}

func (h *DocumentHandler) RemovePresence(c *gin.Context) {
	removed, err := h.svc.RemovePresence(c.Request.Context(), c.Param("docId"), c.GetString("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *DocumentHandler) GetPresences(c *gin.Context) {
	presences, err := h.svc.GetPresences(c.Param("docId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presences": presences})
}

func (h *DocumentHandler) CreateVersion(c *gin.Context) {
	v, err := h.svc.CreateVersion(c.Request.Context(), c.Param("docId"), c.GetString("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h *DocumentHandler) ListVersions(c *gin.Context) {
	versions, err := h.store.ListDocumentVersions(c.Request.Context(), c.Param("docId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (h *DocumentHandler) SaveDocument(c *gin.Context) {
	if err := h.svc.SaveSnapshot(c.Request.Context(), c.Param("docId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

func (h *DocumentHandler) ListConflicts(c *gin.Context) {
	conflicts, err := h.svc.Conflicts(c.Param("docId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

func (h *DocumentHandler) ResolveConflict(c *gin.Context) {
	ops, err := h.svc.ResolveConflict(c.Param("docId"), c.Param("conflictId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

type priorityReq struct {
	UserID   string `json:"userId" binding:"required"`
	Priority int    `json:"priority"`
}

func (h *DocumentHandler) SetUserPriority(c *gin.Context) {
	var req priorityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.svc.SetUserPriority(c.Param("docId"), req.UserID, req.Priority); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DocumentHandler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Param("docId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Sync 手动触发离线队列补发
func (h *DocumentHandler) Sync(c *gin.Context) {
	sent, err := h.svc.ProcessQueuedOperations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"sent": sent, "remaining": h.svc.Queue().Len(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent, "remaining": h.svc.Queue().Len()})
}

func contentJSON(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	b, err := json.Marshal(crdt.NewTextContent(text))
	if err != nil {
		return "", fmt.Errorf("%w: %v", crdt.ErrSerialization, err)
	}
	return string(b), nil
}
