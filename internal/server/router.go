package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/audit"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/conflict"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/identity"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/localstore"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/lock"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/syncqueue"
)

const identityContextKey = "trackersync_identity"

var (
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingQueue         = errors.New("sync queue dependency required")
	errMissingLocks         = errors.New("lock manager dependency required")
	errMissingResolver      = errors.New("conflict resolver dependency required")
	errMissingAuditor       = errors.New("auditor dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies carries the constructed services the HTTP surface exposes.
type Dependencies struct {
	Sessions     *identity.Validator
	Queue        *syncqueue.Manager
	Locks        *lock.Manager
	Resolver     *conflict.Resolver
	Auditor      *audit.Auditor
	Connectivity *syncqueue.Connectivity
	Logger       *zap.Logger
}

// NewHTTPHandler builds the JSON API consumed by tracker clients.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Locks == nil {
		return nil, errMissingLocks
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Auditor == nil {
		return nil, errMissingAuditor
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	connectivity := deps.Connectivity
	if connectivity == nil {
		connectivity = syncqueue.NewConnectivity(true)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:     deps.Sessions,
		queue:        deps.Queue,
		locks:        deps.Locks,
		resolver:     deps.Resolver,
		auditor:      deps.Auditor,
		connectivity: connectivity,
		logger:       logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/sync/mutations", handler.handleEnqueue)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.GET("/sync/failed", handler.handleFailedActions)
	protected.POST("/sync/actions/:id/retry", handler.handleRetryAction)
	protected.DELETE("/sync/actions/:id", handler.handleCancelAction)

	protected.GET("/conflicts", handler.handleListConflicts)
	protected.POST("/conflicts/:id/resolve", handler.handleResolveConflict)

	protected.GET("/locks/:entityType/:entityID", handler.handleLockQuery)
	protected.POST("/locks/:entityType/:entityID/acquire", handler.handleAcquireLock)
	protected.POST("/locks/:entityType/:entityID/release", handler.handleReleaseLock)
	protected.POST("/locks/:entityType/:entityID/extend", handler.handleExtendLock)
	protected.POST("/locks/:entityType/:entityID/force-unlock", handler.handleForceUnlock)

	protected.GET("/presence/:entityType/:entityID", handler.handlePresenceQuery)
	protected.POST("/presence/:entityType/:entityID", handler.handleUpdatePresence)
	protected.DELETE("/presence/:entityType/:entityID", handler.handleRemovePresence)

	protected.POST("/connectivity", handler.handleConnectivity)

	protected.GET("/integrity/check", handler.handleIntegrityCheck)
	protected.GET("/integrity/export", handler.handleIntegrityExport)

	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	sessions     *identity.Validator
	queue        *syncqueue.Manager
	locks        *lock.Manager
	resolver     *conflict.Resolver
	auditor      *audit.Auditor
	connectivity *syncqueue.Connectivity
	logger       *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	ident, err := h.sessions.ValidateToken(token)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, ident)
	c.Next()
}

func callerIdentity(c *gin.Context) identity.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return identity.Identity{}
	}
	ident, _ := value.(identity.Identity)
	return ident
}

type mutationRequestPayload struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Operation  string         `json:"operation"`
	Payload    map[string]any `json:"payload"`
	Priority   int            `json:"priority"`
}

type actionResponsePayload struct {
	ActionID          int64  `json:"action_id"`
	EntityType        string `json:"entity_type"`
	EntityID          string `json:"entity_id"`
	Operation         string `json:"operation"`
	Status            string `json:"status"`
	Attempts          int    `json:"attempts"`
	Priority          int    `json:"priority"`
	EnqueuedAtSeconds int64  `json:"enqueued_at_s"`
	LastError         string `json:"last_error,omitempty"`
}

func toActionResponse(action localstore.SyncAction) actionResponsePayload {
	return actionResponsePayload{
		ActionID:          action.ID,
		EntityType:        action.EntityType,
		EntityID:          action.EntityID,
		Operation:         string(action.Operation),
		Status:            string(action.Status),
		Attempts:          action.Attempts,
		Priority:          action.Priority,
		EnqueuedAtSeconds: action.EnqueuedAtSeconds,
		LastError:         action.LastError,
	}
}

func (h *httpHandler) handleEnqueue(c *gin.Context) {
	var request mutationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ident := callerIdentity(c)

	action, err := h.queue.Enqueue(c.Request.Context(), syncqueue.Mutation{
		EntityType:  request.EntityType,
		EntityID:    request.EntityID,
		Operation:   localstore.Operation(strings.ToLower(strings.TrimSpace(request.Operation))),
		Payload:     request.Payload,
		Priority:    request.Priority,
		OwnerUserID: ident.UserID,
	})
	if err != nil {
		h.logger.Warn("mutation rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mutation"})
		return
	}
	if action == nil {
		// A delete cancelling an unsent create leaves nothing queued.
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusAccepted, toActionResponse(*action))
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	ctx := c.Request.Context()
	pending, err := h.queue.PendingCount(ctx)
	if err != nil {
		h.serverError(c, "pending count failed", err)
		return
	}
	failed, err := h.queue.FailedActions(ctx)
	if err != nil {
		h.serverError(c, "failed action listing failed", err)
		return
	}
	conflicts, err := h.resolver.Conflicts(ctx)
	if err != nil {
		h.serverError(c, "conflict listing failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending":              pending,
		"failed":               len(failed),
		"unresolved_conflicts": len(conflicts),
		"online":               h.connectivity.Online(),
	})
}

func (h *httpHandler) handleFailedActions(c *gin.Context) {
	actions, err := h.queue.FailedActions(c.Request.Context())
	if err != nil {
		h.serverError(c, "failed action listing failed", err)
		return
	}
	response := make([]actionResponsePayload, 0, len(actions))
	for _, action := range actions {
		response = append(response, toActionResponse(action))
	}
	c.JSON(http.StatusOK, gin.H{"actions": response})
}

func (h *httpHandler) handleRetryAction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	err := h.queue.RetryAction(c.Request.Context(), id)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, localstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, syncqueue.ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_retryable"})
	default:
		h.serverError(c, "retry failed", err)
	}
}

func (h *httpHandler) handleCancelAction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	err := h.queue.Cancel(c.Request.Context(), id)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, localstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, syncqueue.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_cancellable"})
	default:
		h.serverError(c, "cancel failed", err)
	}
}

type conflictResponsePayload struct {
	ConflictID        int64  `json:"conflict_id"`
	EntityType        string `json:"entity_type"`
	EntityID          string `json:"entity_id"`
	LocalPayload      string `json:"local_payload"`
	RemotePayload     string `json:"remote_payload"`
	LocalBaseVersion  int64  `json:"local_base_version"`
	RemoteVersion     int64  `json:"remote_version"`
	DetectedAtSeconds int64  `json:"detected_at_s"`
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	records, err := h.resolver.Conflicts(c.Request.Context())
	if err != nil {
		h.serverError(c, "conflict listing failed", err)
		return
	}
	response := make([]conflictResponsePayload, 0, len(records))
	for _, record := range records {
		response = append(response, conflictResponsePayload{
			ConflictID:        record.ID,
			EntityType:        record.EntityType,
			EntityID:          record.EntityID,
			LocalPayload:      record.LocalPayloadJSON,
			RemotePayload:     record.RemotePayloadJSON,
			LocalBaseVersion:  record.LocalBaseVersion,
			RemoteVersion:     record.RemoteVersion,
			DetectedAtSeconds: record.DetectedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": response})
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var request struct {
		Resolution string `json:"resolution"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.resolver.Resolve(c.Request.Context(), id,
		localstore.Resolution(strings.ToLower(strings.TrimSpace(request.Resolution))))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"conflict_id": record.ID,
			"status":      string(record.Status),
			"resolution":  string(record.Resolution),
		})
	case errors.Is(err, localstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, conflict.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved"})
	case errors.Is(err, conflict.ErrConcreteResolution):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution"})
	default:
		h.serverError(c, "conflict resolution failed", err)
	}
}

func lockStatusResponse(status lock.Status) gin.H {
	return gin.H{
		"acquired":      status.Acquired,
		"degraded":      status.Degraded,
		"owner_user_id": status.OwnerUserID,
		"owner_name":    status.OwnerName,
		"expires_at_s":  status.ExpiresAtSeconds,
	}
}

func (h *httpHandler) handleLockQuery(c *gin.Context) {
	ident := callerIdentity(c)
	info, err := h.locks.IsLocked(c.Request.Context(),
		c.Param("entityType"), c.Param("entityID"), ident.UserID)
	if err != nil {
		h.serverError(c, "lock query failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"locked":        info.Locked,
		"owner_user_id": info.OwnerUserID,
		"owner_name":    info.OwnerName,
		"expires_at_s":  info.ExpiresAtSeconds,
	})
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	status, err := h.locks.Acquire(c.Request.Context(),
		c.Param("entityType"), c.Param("entityID"), callerIdentity(c))
	if err != nil {
		h.serverError(c, "lock acquire failed", err)
		return
	}
	code := http.StatusOK
	if !status.Acquired && !status.Degraded {
		code = http.StatusConflict
	}
	c.JSON(code, lockStatusResponse(status))
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	err := h.locks.Release(c.Request.Context(),
		c.Param("entityType"), c.Param("entityID"), callerIdentity(c))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, lock.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
	default:
		h.serverError(c, "lock release failed", err)
	}
}

func (h *httpHandler) handleExtendLock(c *gin.Context) {
	status, err := h.locks.Extend(c.Request.Context(),
		c.Param("entityType"), c.Param("entityID"), callerIdentity(c))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, lockStatusResponse(status))
	case errors.Is(err, lock.ErrOwnershipChanged):
		c.JSON(http.StatusConflict, gin.H{"error": "ownership_changed"})
	default:
		h.serverError(c, "lock extend failed", err)
	}
}

func (h *httpHandler) handleForceUnlock(c *gin.Context) {
	err := h.locks.ForceUnlock(c.Request.Context(),
		c.Param("entityType"), c.Param("entityID"), callerIdentity(c))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, lock.ErrAdminRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": "admin_required"})
	default:
		h.serverError(c, "force unlock failed", err)
	}
}

func (h *httpHandler) handlePresenceQuery(c *gin.Context) {
	users, err := h.locks.ActiveUsers(c.Request.Context(),
		c.Param("entityType"), c.Param("entityID"))
	if err != nil {
		h.serverError(c, "presence query failed", err)
		return
	}
	response := make([]gin.H, 0, len(users))
	for _, user := range users {
		response = append(response, gin.H{
			"user_id":          user.UserID,
			"user_name":        user.UserName,
			"action":           string(user.Action),
			"last_heartbeat_s": user.LastHeartbeatSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": response})
}

func (h *httpHandler) handleUpdatePresence(c *gin.Context) {
	var request struct {
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	action := lock.PresenceAction(strings.ToLower(strings.TrimSpace(request.Action)))
	if action != lock.PresenceViewing && action != lock.PresenceEditing {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action"})
		return
	}
	if err := h.locks.UpdatePresence(c.Request.Context(),
		c.Param("entityType"), c.Param("entityID"), callerIdentity(c), action); err != nil {
		h.serverError(c, "presence update failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemovePresence(c *gin.Context) {
	if err := h.locks.RemovePresence(c.Request.Context(),
		c.Param("entityType"), c.Param("entityID"), callerIdentity(c)); err != nil {
		h.serverError(c, "presence removal failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleConnectivity(c *gin.Context) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.connectivity.SetOnline(*request.Online)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleIntegrityCheck(c *gin.Context) {
	report, err := h.auditor.FullIntegrityCheck(c.Request.Context())
	if err != nil {
		h.serverError(c, "integrity check failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleIntegrityExport(c *gin.Context) {
	report, err := h.auditor.FullIntegrityCheck(c.Request.Context())
	if err != nil {
		h.serverError(c, "integrity check failed", err)
		return
	}
	artifact, err := report.ExportJSON()
	if err != nil {
		h.serverError(c, "integrity export failed", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="integrity-report.json"`)
	c.Data(http.StatusOK, "application/json", artifact)
}

func (h *httpHandler) serverError(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}
