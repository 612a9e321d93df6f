package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/geometry"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/spots"
)

const (
	defaultViewportLimit = 200
	maxViewportLimit     = 1000
)

type ratingRequest struct {
	Stars *int `json:"stars"`
}

type simplifyRequest struct {
	Polylines []geometry.Polyline `json:"polylines"`
	Polygons  []geometry.Polygon  `json:"polygons"`
}

type simplifyResponse struct {
	Zoom      float64             `json:"zoom"`
	Tolerance float64             `json:"tolerance"`
	Polylines []geometry.Polyline `json:"polylines"`
	Polygons  []geometry.Polygon  `json:"polygons"`
}

func (h *httpHandler) handleViewport(c *gin.Context) {
	viewport, err := parseViewport(c)
	if err != nil {
		h.respondError(c, "spots.viewport", err)
		return
	}
	limit := defaultViewportLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			h.respondError(c, "spots.viewport", fmt.Errorf("%w: %q", spots.ErrInvalidLimit, raw))
			return
		}
		limit = min(parsed, maxViewportLimit)
	}

	records, err := h.spots.QueryByViewport(c.Request.Context(), viewport, limit)
	if err != nil {
		h.respondError(c, "spots.viewport", err)
		return
	}
	if records == nil {
		records = []spots.SpotRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"spots": records})
}

func parseViewport(c *gin.Context) (spots.Viewport, error) {
	keys := []string{"minLat", "maxLat", "minLng", "maxLng"}
	values := make([]float64, len(keys))
	for index, key := range keys {
		raw := strings.TrimSpace(c.Query(key))
		if raw == "" {
			return spots.Viewport{}, fmt.Errorf("%w: missing %s", spots.ErrInvalidViewport, key)
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return spots.Viewport{}, fmt.Errorf("%w: %s=%q", spots.ErrInvalidViewport, key, raw)
		}
		values[index] = value
	}
	return spots.Viewport{MinLat: values[0], MaxLat: values[1], MinLng: values[2], MaxLng: values[3]}, nil
}

// handleGetSpot serves tombstones too, so clients can drop deleted spots. Private
// spots are only visible to their creator.
func (h *httpHandler) handleGetSpot(c *gin.Context) {
	id, err := spots.NewSpotID(c.Param("id"))
	if err != nil {
		h.respondError(c, "spots.get", err)
		return
	}
	record, err := h.spots.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "spots.get", err)
		return
	}
	if record.Visibility == spots.VisibilityPrivate && !h.isCreator(c, record) {
		h.respondError(c, "spots.get", spots.ErrSpotNotFound)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) isCreator(c *gin.Context, record spots.SpotRecord) bool {
	if record.CreatedBy == "" {
		return false
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		return false
	}
	return claims.UserID == record.CreatedBy
}

func (h *httpHandler) handleRatingSummary(c *gin.Context) {
	aggregate, err := h.ratings.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "ratings.summary", err)
		return
	}
	c.JSON(http.StatusOK, aggregate)
}

func (h *httpHandler) handleSetRating(c *gin.Context) {
	var request ratingRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Stars == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_stars"})
		return
	}
	aggregate, err := h.ratings.SetUserRating(c.Request.Context(), c.Param("id"), currentUserID(c), *request.Stars)
	if err != nil {
		h.respondError(c, "ratings.set", err)
		return
	}
	c.JSON(http.StatusOK, aggregate)
}

func (h *httpHandler) handleSimplify(c *gin.Context) {
	zoom, err := strconv.ParseFloat(strings.TrimSpace(c.Query("zoom")), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_zoom"})
		return
	}
	var request simplifyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	input := make([]geometry.Geometry, 0, len(request.Polylines)+len(request.Polygons))
	for _, line := range request.Polylines {
		input = append(input, line)
	}
	for _, polygon := range request.Polygons {
		input = append(input, polygon)
	}

	response := simplifyResponse{
		Zoom:      zoom,
		Tolerance: geometry.ToleranceForZoom(zoom),
		Polylines: []geometry.Polyline{},
		Polygons:  []geometry.Polygon{},
	}
	for _, simplified := range geometry.ProduceSimplified(input, zoom) {
		switch typed := simplified.(type) {
		case geometry.Polyline:
			response.Polylines = append(response.Polylines, typed)
		case geometry.Polygon:
			response.Polygons = append(response.Polygons, typed)
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleBackfillTrigger(c *gin.Context) {
	if h.backfill == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backfill_disabled"})
		return
	}
	h.backfill.Trigger()
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}
