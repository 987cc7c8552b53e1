package httpapi

import (
	"net/http"
	"time"

	"collabEngine/backend/internal/httpapi/handlers"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type RouterOptions struct {
	Auth         gin.HandlerFunc
	Documents    *handlers.DocumentHandler
	WebSocket    gin.HandlerFunc
	RTC          *handlers.RTCHandler // nil 表示不开 WebRTC
	CorsOrigins  []string
	EnableCors   bool
	AccessLogger bool
}

func NewRouter(opt RouterOptions) *gin.Engine {
	r := gin.New()
	// 中间件
	if opt.AccessLogger {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	if opt.EnableCors {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     opt.CorsOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	collab := r.Group("/collab")
	// 鉴权：从 Authorization 或 ?token= 提取 token，写入 userId/username
	if opt.Auth != nil {
		collab.Use(opt.Auth)
	}
	if opt.WebSocket != nil {
		collab.GET("/ws", opt.WebSocket)
	}

	h := opt.Documents
	collab.POST("/documents", h.CreateDocument)
	docs := collab.Group("/documents/:docId")
	docs.POST("/shares", h.ShareDocument)
	docs.POST("/open", h.OpenDocument)
	docs.DELETE("", h.CloseDocument)
	docs.GET("/content", h.GetContent)
	docs.POST("/operations", h.ApplyOperation)
	docs.GET("/operations", h.GetOperations)
	docs.GET("/presence", h.GetPresences)
	docs.PUT("/presence", h.UpdatePresence)
	docs.DELETE("/presence", h.RemovePresence)
	docs.POST("/versions", h.CreateVersion)
	docs.GET("/versions", h.ListVersions)
	docs.POST("/save", h.SaveDocument)
	docs.GET("/conflicts", h.ListConflicts)
	docs.POST("/conflicts/:conflictId/resolve", h.ResolveConflict)
	docs.PUT("/priority", h.SetUserPriority)
	docs.GET("/stats", h.Stats)
	collab.POST("/sync", h.Sync)

	if opt.RTC != nil {
		collab.POST("/rtc/offer", opt.RTC.Offer)
		collab.GET("/rtc/peers", opt.RTC.Peers)
	}
	return r
}
