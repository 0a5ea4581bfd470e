package stream

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bitguard/marginguard/internal/cache"
	"github.com/bitguard/marginguard/pkg/models"
)

// ExecutionLogReader backs the execution-log query endpoint.
type ExecutionLogReader interface {
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.ExecutionLogEntry, error)
}

// Server exposes the stream surface to dashboard clients: the websocket
// upgrade endpoint plus the send/subscribe/status/stats/health API over
// the managed outbound connections.
type Server struct {
	manager   *Manager
	hub       *Hub
	jwtSecret []byte
	logger    *zap.Logger

	execLogs   ExecutionLogReader
	cacheStats func() cache.Stats
}

// NewServer creates the stream HTTP surface.
func NewServer(manager *Manager, hub *Hub, jwtSecret string, logger *zap.Logger) *Server {
	return &Server{
		manager:   manager,
		hub:       hub,
		jwtSecret: []byte(jwtSecret),
		logger:    logger,
	}
}

// AttachMarginAPI mounts the read-only margin guard endpoints: the
// execution-log query and the cache stats view the dashboard consumes.
func (s *Server) AttachMarginAPI(execLogs ExecutionLogReader, cacheStats func() cache.Stats) {
	s.execLogs = execLogs
	s.cacheStats = cacheStats
}

// Router builds the gin engine with all stream routes mounted. gatherer
// backs the /metrics endpoint.
func (s *Server) Router(gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))

	r.GET("/ws/:service", s.handleWS)

	api := r.Group("/stream")
	{
		api.POST("/send", s.handleSend)
		api.POST("/subscribe", s.handleSubscribe)
		api.POST("/unsubscribe", s.handleUnsubscribe)
		api.GET("/status/:id", s.handleStatus)
		api.GET("/stats", s.handleStats)
	}

	if s.execLogs != nil {
		r.GET("/marginguard/logs/:userId", s.handleExecutionLogs)
	}
	if s.cacheStats != nil {
		r.GET("/cache/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.cacheStats())
		})
	}

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}

// handleExecutionLogs returns a user's newest audit records. Callers may
// only read their own log.
func (s *Server) handleExecutionLogs(c *gin.Context) {
	callerID, ok := s.userIDFromRequest(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	if callerID != userID.String() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := s.execLogs.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		s.logger.Error("execution log query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// userIDFromRequest authenticates the bearer token and extracts the user
// identity claim.
func (s *Server) userIDFromRequest(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == "" {
		// browsers cannot set headers on websocket upgrades
		tokenString = c.Query("token")
	}
	if tokenString == "" {
		return "", false
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	sub, _ := claims["sub"].(string)
	return sub, sub != ""
}

func (s *Server) handleWS(c *gin.Context) {
	userID, ok := s.userIDFromRequest(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}
	service := c.Param("service")
	clientID := uuid.NewString()
	s.hub.ServeWS(c.Writer, c.Request, clientID, service, userID)
}

type sendRequest struct {
	ConnectionID string `json:"connection_id" binding:"required"`
	Message      string `json:"message" binding:"required"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sent := s.manager.SendMessage(req.ConnectionID, []byte(req.Message))
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

type subscribeRequest struct {
	ConnectionID string `json:"connection_id" binding:"required"`
	Topic        string `json:"topic" binding:"required"`
}

func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.manager.Subscribe(req.ConnectionID, req.Topic) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": true})
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.manager.Unsubscribe(req.ConnectionID, req.Topic) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unsubscribed": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	info := s.manager.Info(c.Param("id"))
	if info == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections": s.manager.Infos(),
		"errors":      s.manager.ErrorCount(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"services": s.hub.Health(),
		"upstream": gin.H{
			"connections": len(s.manager.Infos()),
			"errors":      s.manager.ErrorCount(),
		},
	})
}
