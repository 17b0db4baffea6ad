package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
	"github.com/MarcoPoloResearchLab/nestlog/internal/relay"
)

const defaultReplayPageSize = 500

var (
	errMissingEnvelopeLog = errors.New("envelope log dependency required")
	errMissingHub         = errors.New("hub dependency required")
)

// EnvelopeLog persists accepted envelopes for dedupe and replay. *relay.Service satisfies it.
type EnvelopeLog interface {
	Append(ctx context.Context, envelope protocol.Envelope) (relay.AppendOutcome, error)
	ListSince(ctx context.Context, householdID string, afterSeq int64, limit int) ([]protocol.Envelope, error)
}

type Dependencies struct {
	Envelopes      EnvelopeLog
	Hub            *Hub
	ReplayPageSize int
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Envelopes == nil {
		return nil, errMissingEnvelopeLog
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	replayPageSize := deps.ReplayPageSize
	if replayPageSize <= 0 {
		replayPageSize = defaultReplayPageSize
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		envelopes:      deps.Envelopes,
		hub:            deps.Hub,
		replayPageSize: replayPageSize,
		logger:         logger,
	}

	router.GET("/health", handler.handleHealth)
	router.POST("/sync", handler.handleSync)
	router.GET("/ws", handler.handleWebSocket)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	envelopes      EnvelopeLog
	hub            *Hub
	replayPageSize int
	logger         *zap.Logger
}

type syncResponsePayload struct {
	Duplicate bool  `json:"duplicate"`
	Seq       int64 `json:"seq"`
	Delivered int   `json:"delivered"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	envelope, err := protocol.Decode(body)
	if err != nil {
		h.logger.Warn("rejected sync envelope", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_envelope"})
		return
	}

	response, status, err := h.accept(c.Request.Context(), envelope)
	if err != nil {
		if isInvalidEnvelope(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_envelope"})
			return
		}
		h.logger.Error("failed to store envelope", zap.String("household_id", envelope.HouseholdID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(status, response)
}

// accept stores the envelope and, when it is new, fans it out to the rest of the household.
func (h *httpHandler) accept(ctx context.Context, envelope protocol.Envelope) (syncResponsePayload, int, error) {
	outcome, err := h.envelopes.Append(ctx, envelope)
	if err != nil {
		return syncResponsePayload{}, 0, err
	}
	response := syncResponsePayload{Duplicate: outcome.Duplicate(), Seq: outcome.Seq()}
	if outcome.Duplicate() {
		return response, http.StatusOK, nil
	}
	envelope.Seq = outcome.Seq()
	response.Delivered = h.hub.Publish(envelope)
	return response, http.StatusAccepted, nil
}

func isInvalidEnvelope(err error) bool {
	var serviceErr *relay.ServiceError
	if errors.As(err, &serviceErr) {
		return strings.HasSuffix(serviceErr.Code(), ".invalid_envelope")
	}
	return errors.Is(err, protocol.ErrInvalidEnvelope)
}
