package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"voice-platform/internal/auth"
	"voice-platform/internal/calls"
	"voice-platform/internal/rbac"
	"voice-platform/internal/reporting"
	"voice-platform/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handlers groups the calls API for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls   *calls.Service
	Reports *reporting.Service
}

// Register mounts the API on rg. rg must already carry auth.RequireAccessToken.
func (h Handlers) Register(rg *gin.RouterGroup) {
	readers := rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleViewer)
	writers := rbac.RequireAnyRole(rbac.RoleAgent)

	cg := rg.Group("/calls")
	cg.POST("", writers, h.CreateCall)
	cg.GET("", readers, h.ListCalls)
	cg.GET("/:id", readers, h.GetCall)
	cg.DELETE("/:id", writers, h.CancelCall)
	cg.GET("/:id/transcript", readers, h.GetTranscript)

	rg.GET("/reports/calls", readers, h.CallsSummary)
}

type createCallRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
}

// CreateCall places an outbound call for the caller.
func (h Handlers) CreateCall(c *gin.Context) {
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to required"})
		return
	}
	uid, _ := auth.Identity(c)

	call, err := h.Calls.Place(c.Request.Context(), calls.PlaceRequest{UserID: uid, From: req.From, To: req.To})
	switch {
	case errors.Is(err, calls.ErrProviderFailed):
		logger.FromGin(c).Warn("call placement failed at provider", "call_id", call.ID, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "telephony provider failed", "call": call})
		return
	case errors.Is(err, calls.ErrInvalidCall):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid call"})
		return
	case err != nil:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call creation failed"})
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) GetCall(c *gin.Context) {
	call, ok := h.visibleCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, call)
}

// CancelCall hangs up (best effort) and marks the call deleted.
func (h Handlers) CancelCall(c *gin.Context) {
	if _, ok := h.visibleCall(c); !ok {
		return
	}
	call, err := h.Calls.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) ListCalls(c *gin.Context) {
	f := calls.ListFilter{Limit: defaultListLimit}
	uid, role := auth.Identity(c)
	f.UserID = uid
	if rbac.IsAdmin(role) {
		f.UserID = c.Query("user_id")
	}

	if s := c.Query("status"); s != "" {
		f.Status = calls.CallStatus(s)
		if !f.Status.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = min(n, maxListLimit)
	}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.Calls.Store().ListRecent(c.Request.Context(), f)
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "count": len(out)})
}

func (h Handlers) GetTranscript(c *gin.Context) {
	call, ok := h.visibleCall(c)
	if !ok {
		return
	}
	t, err := h.Calls.Store().GetTranscript(c.Request.Context(), call.ID)
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// CallsSummary aggregates the caller's calls over ?from&to (RFC3339), defaulting to the last 24h.
// Admins may pass user_id, or omit it for every user.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "reporting not configured"})
		return
	}
	uid, role := auth.Identity(c)
	req := reporting.CallsSummaryRequest{UserID: uid}
	if rbac.IsAdmin(role) {
		req.UserID = c.Query("user_id")
	}

	from, err := queryTime(c, "from")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	req.Range = reporting.TimeRange{From: from, To: to}

	sum, err := h.Reports.CallsSummary(c.Request.Context(), req)
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// visibleCall loads :id and hides calls owned by someone else behind a 404.
func (h Handlers) visibleCall(c *gin.Context) (calls.Call, bool) {
	call, err := h.Calls.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return calls.Call{}, false
	}
	if !rbac.CanSeeUser(c, call.UserID) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return calls.Call{}, false
	}
	return call, true
}

func (h Handlers) storeError(c *gin.Context, err error) {
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return t.UTC(), nil
}
