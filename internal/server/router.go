package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/auth"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/favorites"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/metrics"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/ratings"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/remote"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/spots"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "spots_user_id"
	accessTokenQuery = "access_token"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingSpotStore        = errors.New("spot store dependency required")
	errMissingFavorites        = errors.New("favorites dependency required")
	errMissingRatings          = errors.New("rating service dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

type SpotStore interface {
	QueryByViewport(ctx context.Context, viewport spots.Viewport, limit int) ([]spots.SpotRecord, error)
	Get(ctx context.Context, id spots.SpotID) (spots.SpotRecord, error)
}

type FavoriteSessions interface {
	Session(userID string) (*favorites.Store, error)
	Logout(userID string)
}

type RatingService interface {
	SetUserRating(ctx context.Context, spotID, userID string, stars int) (ratings.Aggregate, error)
	Summary(ctx context.Context, spotID string) (ratings.Aggregate, error)
}

type BackfillTrigger interface {
	Trigger()
}

// Dependencies wires the HTTP API. Backfill is optional; without it the trigger
// endpoint reports the service as unavailable.
type Dependencies struct {
	Sessions    SessionValidator
	Spots       SpotStore
	Favorites   FavoriteSessions
	Ratings     RatingService
	Backfill    BackfillTrigger
	CORSOrigins []string
	Heartbeat   time.Duration
	Logger      *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Spots == nil {
		return nil, errMissingSpotStore
	}
	if deps.Favorites == nil {
		return nil, errMissingFavorites
	}
	if deps.Ratings == nil {
		return nil, errMissingRatings
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.CORSOrigins))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		spots:     deps.Spots,
		favorites: deps.Favorites,
		ratings:   deps.Ratings,
		backfill:  deps.Backfill,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/spots", handler.handleViewport)
	router.GET("/spots/:id", handler.handleGetSpot)
	router.GET("/spots/:id/rating", handler.handleRatingSummary)
	router.POST("/geometry/simplify", handler.handleSimplify)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/favorites", handler.handleListFavorites)
	protected.GET("/favorites/stream", handler.handleFavoritesStream)
	protected.POST("/favorites/:spotId/toggle", handler.handleToggleFavorite)
	protected.POST("/spots/:id/rating", handler.handleSetRating)
	protected.POST("/backfill/trigger", handler.handleBackfillTrigger)
	protected.POST("/auth/logout", handler.handleLogout)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	spots     SpotStore
	favorites FavoriteSessions
	ratings   RatingService
	backfill  BackfillTrigger
	heartbeat time.Duration
	logger    *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// authorizeRequest accepts a bearer header, the session cookie, or an access_token
// query parameter for EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		claims auth.SessionClaims
		err    error
	)
	if token := c.Query(accessTokenQuery); token != "" && c.GetHeader("Authorization") == "" {
		claims, err = h.sessions.ValidateToken(token)
	} else {
		claims, err = h.sessions.ValidateRequest(c.Request)
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

// respondError maps domain errors onto HTTP statuses. Only server-side failures are logged.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, spots.ErrInvalidViewport),
		errors.Is(err, spots.ErrInvalidLimit),
		errors.Is(err, spots.ErrInvalidSpotID),
		errors.Is(err, favorites.ErrInvalidSpotID),
		errors.Is(err, ratings.ErrInvalidSpotID),
		errors.Is(err, ratings.ErrInvalidUserID):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ratings.ErrInvalidStars):
		return http.StatusBadRequest, "invalid_stars"
	case errors.Is(err, spots.ErrSpotNotFound), errors.Is(err, ratings.ErrSpotNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, favorites.ErrSignedOut):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, remote.ErrTransactionConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, favorites.ErrRemoteMutation):
		return http.StatusBadGateway, "remote_mutation_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func currentUserID(c *gin.Context) string {
	return strings.TrimSpace(c.GetString(userIDContextKey))
}
