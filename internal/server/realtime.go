package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/favorites"
	"go.uber.org/zap"
)

const (
	realtimeEventFavorites = "favorites"
	realtimeEventHeartbeat = "heartbeat"

	defaultHeartbeatInterval = 25 * time.Second
)

type favoritesPayload struct {
	UserID  string   `json:"userId"`
	SpotIDs []string `json:"spotIds"`
}

func (h *httpHandler) handleListFavorites(c *gin.Context) {
	userID := currentUserID(c)
	store, err := h.favorites.Session(userID)
	if err != nil {
		h.respondError(c, "favorites.list", err)
		return
	}
	c.JSON(http.StatusOK, favoritesPayload{UserID: userID, SpotIDs: store.IDs()})
}

func (h *httpHandler) handleToggleFavorite(c *gin.Context) {
	spotID := c.Param("spotId")
	store, err := h.favorites.Session(currentUserID(c))
	if err != nil {
		h.respondError(c, "favorites.toggle", err)
		return
	}
	favorited, err := store.Toggle(c.Request.Context(), spotID)
	if errors.Is(err, favorites.ErrRemoteMutation) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "remote_mutation_failed",
			"spotId":    spotID,
			"favorited": store.Contains(spotID),
		})
		return
	}
	if err != nil {
		h.respondError(c, "favorites.toggle", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spotId": spotID, "favorited": favorited})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.favorites.Logout(currentUserID(c))
	c.Status(http.StatusNoContent)
}

// handleFavoritesStream emits the full favorite set as a server-sent event on every
// change, starting with the current set.
func (h *httpHandler) handleFavoritesStream(c *gin.Context) {
	userID := currentUserID(c)
	store, err := h.favorites.Session(userID)
	if err != nil {
		h.respondError(c, "favorites.stream", err)
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	ctx := c.Request.Context()
	updates := store.Watch(ctx)
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ids, open := <-updates:
			if !open {
				return
			}
			if err := writeEvent(c.Writer, realtimeEventFavorites, favoritesPayload{UserID: userID, SpotIDs: ids}); err != nil {
				h.logger.Debug("favorites stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		case now := <-ticker.C:
			if err := writeEvent(c.Writer, realtimeEventHeartbeat, gin.H{"timestamp": now.UTC().Format(time.RFC3339)}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, encoded)
	return err
}
