package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
)

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = (socketPongWait * 9) / 10
	socketReadLimit  = 64 << 10
)

var errLogUnavailable = errors.New("envelope log unavailable")

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS policy; the relay carries no credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	householdID := strings.TrimSpace(c.Query("household"))
	if householdID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_household"})
		return
	}
	deviceID := strings.TrimSpace(c.Query("device"))
	var since int64
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = parsed
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()
	stream, cleanup := h.hub.Subscribe(ctx, householdID, deviceID)
	defer cleanup()

	fields := []zap.Field{zap.String("household_id", householdID), zap.String("device_id", deviceID), zap.Int64("since", since)}
	h.logger.Info("device socket opened", fields...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(ctx, conn, householdID, deviceID, since, stream)
	}()

	h.readPump(ctx, conn, householdID, deviceID)
	cancel()
	<-done
	_ = conn.Close()
	h.logger.Info("device socket closed", fields...)
}

// readPump accepts envelopes from the device until the socket fails.
func (h *httpHandler) readPump(ctx context.Context, conn *gorilla.Conn, householdID, deviceID string) {
	conn.SetReadLimit(socketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				h.logger.Warn("device socket read failed", zap.String("household_id", householdID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))

		envelope, err := protocol.Decode(frame)
		if err != nil {
			h.logger.Warn("malformed socket frame dropped", zap.String("household_id", householdID), zap.Error(err))
			continue
		}
		if envelope.HouseholdID != householdID {
			h.logger.Warn("cross-household frame dropped",
				zap.String("household_id", householdID),
				zap.String("device_id", deviceID))
			continue
		}
		if _, _, err := h.accept(ctx, envelope); err != nil {
			h.logger.Warn("socket envelope not stored", zap.String("household_id", householdID), zap.Error(err))
		}
	}
}

// writePump replays the household log after since and then tails it: every hub envelope either was
// already written or triggers a read of the log from the last written seq, so envelopes a full hub
// buffer dropped still arrive in seq order. It is the only writer on conn.
func (h *httpHandler) writePump(ctx context.Context, conn *gorilla.Conn, householdID, deviceID string, since int64, stream <-chan protocol.Envelope) {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()

	cursor, err := h.replay(ctx, conn, householdID, deviceID, since)
	if err != nil && !errors.Is(err, errLogUnavailable) {
		_ = conn.Close()
		return
	}

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(socketWriteWait)
			_ = conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), deadline)
			return
		case envelope, ok := <-stream:
			if !ok {
				return
			}
			if envelope.Seq > 0 && envelope.Seq <= cursor {
				continue
			}
			next, err := h.replay(ctx, conn, householdID, deviceID, cursor)
			if errors.Is(err, errLogUnavailable) {
				err = nil
				if envelope.Seq > next {
					err = h.writeEnvelope(conn, envelope)
				}
			}
			if err != nil {
				_ = conn.Close()
				return
			}
			cursor = next
		case <-ticker.C:
			if err := conn.WriteControl(gorilla.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// replay pages through the log after since in seq order until it is exhausted, skipping the device's
// own envelopes, and returns the last seq it read.
func (h *httpHandler) replay(ctx context.Context, conn *gorilla.Conn, householdID, deviceID string, since int64) (int64, error) {
	cursor := since
	for {
		page, err := h.envelopes.ListSince(ctx, householdID, cursor, h.replayPageSize)
		if err != nil {
			h.logger.Warn("log replay stopped",
				zap.String("household_id", householdID),
				zap.Int64("after_seq", cursor),
				zap.Error(err))
			return cursor, errLogUnavailable
		}
		for _, envelope := range page {
			cursor = envelope.Seq
			if envelope.OriginDeviceID == deviceID {
				continue
			}
			if err := h.writeEnvelope(conn, envelope); err != nil {
				return cursor, err
			}
		}
		if len(page) < h.replayPageSize {
			return cursor, nil
		}
	}
}

func (h *httpHandler) writeEnvelope(conn *gorilla.Conn, envelope protocol.Envelope) error {
	frame, err := envelope.Encode()
	if err != nil {
		h.logger.Warn("envelope encode failed", zap.Error(err))
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	if err := conn.WriteMessage(gorilla.TextMessage, frame); err != nil {
		h.logger.Warn("device socket write failed", zap.String("household_id", envelope.HouseholdID), zap.Error(err))
		return err
	}
	return nil
}
