package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/socialstore/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	adminSubjectContextKey   = "socialstore_admin_subject"
	maxPatchBodyBytes        = 1 << 20
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingStore         = errors.New("storage dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Store is the part of the storage adapter the admin API drives.
type Store interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, id uint) (*storage.User, error)
	GetSocialAuthForUser(ctx context.Context, userID uint, filter storage.SocialAuthFilter) ([]storage.UserSocialAuth, error)
	DisconnectIfAllowed(ctx context.Context, social *storage.UserSocialAuth) (bool, error)
	PatchExtraData(ctx context.Context, socialID uint, patch storage.JSONData) (*storage.UserSocialAuth, error)
	LoadPartial(ctx context.Context, token string) (*storage.Partial, error)
	DestroyPartial(ctx context.Context, token string) (bool, error)
	Prune(ctx context.Context, cfg storage.PruneConfig) (storage.PruneResult, error)
}

type AdminTokenValidator interface {
	ValidateToken(token string) (string, error)
}

// PruneRecorder receives per-table prune counts.
type PruneRecorder interface {
	ObservePruned(table string, rows int64)
}

type Dependencies struct {
	Store             Store
	TokenManager      AdminTokenValidator
	PruneConfig       storage.PruneConfig
	PruneRecorder     PruneRecorder
	Metrics           http.Handler
	Events            *EventDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		store:     deps.Store,
		tokens:    deps.TokenManager,
		prune:     deps.PruneConfig,
		recorder:  deps.PruneRecorder,
		events:    events,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	router.GET("/events", handler.authorizeStream, handler.handleEvents)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/users/:id", handler.handleGetUser)
	protected.DELETE("/users/:id/social-auths/:socialID", handler.handleDisconnect)
	protected.PATCH("/social-auths/:id/extra-data", handler.handlePatchExtraData)
	protected.GET("/partials/:token", handler.handleGetPartial)
	protected.DELETE("/partials/:token", handler.handleDestroyPartial)
	protected.POST("/maintenance/prune", handler.handlePrune)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	store     Store
	tokens    AdminTokenValidator
	prune     storage.PruneConfig
	recorder  PruneRecorder
	events    *EventDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type socialAuthPayload struct {
	ID        uint             `json:"id"`
	Provider  string           `json:"provider"`
	UID       string           `json:"uid"`
	UserID    uint             `json:"user_id"`
	ExtraData storage.JSONData `json:"extra_data"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type userPayload struct {
	ID                uint                `json:"id"`
	Username          string              `json:"username"`
	Email             string              `json:"email"`
	IsActive          bool                `json:"is_active"`
	HasUsablePassword bool                `json:"has_usable_password"`
	SocialAuths       []socialAuthPayload `json:"social_auths"`
}

type partialPayload struct {
	Token     string           `json:"token"`
	Backend   string           `json:"backend"`
	NextStep  int              `json:"next_step"`
	Data      storage.JSONData `json:"data"`
	CreatedAt time.Time        `json:"created_at"`
}

type pruneResponsePayload struct {
	Nonces       int64 `json:"nonces"`
	Associations int64 `json:"associations"`
	Codes        int64 `json:"codes"`
	Partials     int64 `json:"partials"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("database ping failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	userID, ok := parseID(c, "id")
	if !ok {
		return
	}
	user, err := h.store.GetUser(c.Request.Context(), userID)
	if err != nil {
		h.writeStorageError(c, err)
		return
	}
	socials, err := h.store.GetSocialAuthForUser(c.Request.Context(), user.ID, storage.SocialAuthFilter{})
	if err != nil {
		h.writeStorageError(c, err)
		return
	}

	response := userPayload{
		ID:                user.ID,
		Username:          user.Username,
		Email:             user.Email,
		IsActive:          user.IsActive,
		HasUsablePassword: user.HasUsablePassword(),
		SocialAuths:       make([]socialAuthPayload, 0, len(socials)),
	}
	for index := range socials {
		response.SocialAuths = append(response.SocialAuths, newSocialAuthPayload(&socials[index]))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDisconnect(c *gin.Context) {
	userID, ok := parseID(c, "id")
	if !ok {
		return
	}
	socialID, ok := parseID(c, "socialID")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		h.writeStorageError(c, err)
		return
	}
	socials, err := h.store.GetSocialAuthForUser(ctx, user.ID, storage.SocialAuthFilter{ID: socialID})
	if err != nil {
		h.writeStorageError(c, err)
		return
	}
	if len(socials) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	social := &socials[0]

	disconnected, err := h.store.DisconnectIfAllowed(ctx, social)
	if err != nil {
		h.writeStorageError(c, err)
		return
	}
	if !disconnected {
		c.JSON(http.StatusConflict, gin.H{"error": "disconnect_not_allowed"})
		return
	}

	h.logger.Info("social auth disconnected",
		zap.String("actor", c.GetString(adminSubjectContextKey)),
		zap.Uint("user_id", user.ID),
		zap.Uint("social_auth_id", social.ID),
		zap.String("provider", social.Provider))
	h.events.Publish(Event{
		Type:         EventSocialAuthDisconnected,
		Actor:        c.GetString(adminSubjectContextKey),
		UserID:       user.ID,
		SocialAuthID: social.ID,
	})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePatchExtraData(c *gin.Context) {
	socialID, ok := parseID(c, "id")
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPatchBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body_too_large"})
		return
	}
	var patch storage.JSONData
	if err := patch.Scan(body); err != nil || len(patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	social, err := h.store.PatchExtraData(c.Request.Context(), socialID, patch)
	if err != nil {
		h.writeStorageError(c, err)
		return
	}
	h.events.Publish(Event{
		Type:         EventExtraDataPatched,
		Actor:        c.GetString(adminSubjectContextKey),
		UserID:       social.UserID,
		SocialAuthID: social.ID,
	})
	c.JSON(http.StatusOK, newSocialAuthPayload(social))
}

func (h *httpHandler) handleGetPartial(c *gin.Context) {
	partial, err := h.store.LoadPartial(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, partialPayload{
		Token:     partial.Token,
		Backend:   partial.Backend,
		NextStep:  partial.NextStep,
		Data:      partial.Data,
		CreatedAt: partial.CreatedAt,
	})
}

func (h *httpHandler) handleDestroyPartial(c *gin.Context) {
	token := c.Param("token")
	deleted, err := h.store.DestroyPartial(c.Request.Context(), token)
	if err != nil {
		h.writeStorageError(c, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	h.events.Publish(Event{
		Type:         EventPartialDestroyed,
		Actor:        c.GetString(adminSubjectContextKey),
		PartialToken: token,
	})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePrune(c *gin.Context) {
	result, err := h.store.Prune(c.Request.Context(), h.prune)
	if err != nil {
		h.writeStorageError(c, err)
		return
	}
	if h.recorder != nil {
		h.recorder.ObservePruned((&storage.Nonce{}).TableName(), result.Nonces)
		h.recorder.ObservePruned((&storage.Association{}).TableName(), result.Associations)
		h.recorder.ObservePruned((&storage.Code{}).TableName(), result.Codes)
		h.recorder.ObservePruned((&storage.Partial{}).TableName(), result.Partials)
	}
	h.events.Publish(Event{
		Type:   EventStoragePruned,
		Actor:  c.GetString(adminSubjectContextKey),
		Pruned: &result,
	})
	c.JSON(http.StatusOK, pruneResponsePayload{
		Nonces:       result.Nonces,
		Associations: result.Associations,
		Codes:        result.Codes,
		Partials:     result.Partials,
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(eventReady, gin.H{"source": eventSource})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	h.authorize(c, bearerToken(c))
}

// authorizeStream also accepts the token as a query parameter because browser event
// sources cannot set headers.
func (h *httpHandler) authorizeStream(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	h.authorize(c, token)
}

func (h *httpHandler) authorize(c *gin.Context, token string) {
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, subject)
	c.Next()
}

func (h *httpHandler) writeStorageError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, storage.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, storage.ErrSerialization):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "serialization_failed"})
	default:
		fields := []zap.Field{zap.String("path", c.FullPath()), zap.Error(err)}
		var storageErr *storage.Error
		if errors.As(err, &storageErr) {
			fields = append(fields, zap.String("code", storageErr.Code()))
		}
		h.logger.Error("storage request failed", fields...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failed"})
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func parseID(c *gin.Context, param string) (uint, bool) {
	parsed, err := strconv.ParseUint(c.Param(param), 10, 64)
	if err != nil || parsed == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + strings.ToLower(param)})
		return 0, false
	}
	return uint(parsed), true
}

func newSocialAuthPayload(social *storage.UserSocialAuth) socialAuthPayload {
	extra := social.ExtraData
	if extra == nil {
		extra = storage.JSONData{}
	}
	return socialAuthPayload{
		ID:        social.ID,
		Provider:  social.Provider,
		UID:       social.UID,
		UserID:    social.UserID,
		ExtraData: extra,
		CreatedAt: social.CreatedAt,
		UpdatedAt: social.UpdatedAt,
	}
}
