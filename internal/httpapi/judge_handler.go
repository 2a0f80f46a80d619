// Package httpapi is the operator-facing control surface: judge
// inventory, submission dispatch and abort.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/judgebridge/judgebridge/internal/bridge"
	"github.com/judgebridge/judgebridge/internal/registry"
)

// JudgePool is the registry surface the handlers consume.
type JudgePool interface {
	List() []bridge.Snapshot
	Stats() registry.Stats
	Dispatch(ctx context.Context, submissionID, problem, language, source, judgeID string) (string, error)
	Abort(submissionID string) error
	DisconnectJudge(name string, force bool) error
}

type JudgeHandler struct {
	pool JudgePool
}

func NewJudgeHandler(pool JudgePool) *JudgeHandler {
	return &JudgeHandler{pool: pool}
}

// NewRouter builds the API router. adminTokenHash is a bcrypt hash of the
// bearer token; empty disables authentication (development only).
func NewRouter(handler *JudgeHandler, adminTokenHash string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if strings.TrimSpace(adminTokenHash) != "" {
		router.Use(requireAdminToken(adminTokenHash))
	}
	router.GET("/api/v1/judges", handler.ListJudges)
	router.GET("/api/v1/judges/stats", handler.JudgeStats)
	router.POST("/api/v1/judges/:name/disconnect", handler.DisconnectJudge)
	router.POST("/api/v1/submissions/:id/dispatch", handler.DispatchSubmission)
	router.POST("/api/v1/submissions/:id/abort", handler.AbortSubmission)
	return router
}

func requireAdminToken(tokenHash string) gin.HandlerFunc {
	hash := []byte(strings.TrimSpace(tokenHash))
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if bcrypt.CompareHashAndPassword(hash, []byte(strings.TrimSpace(token))) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

type listJudgesResponse struct {
	Items []bridge.Snapshot `json:"items"`
	Total int               `json:"total"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (h *JudgeHandler) ListJudges(c *gin.Context) {
	items := h.pool.List()

	if state := strings.TrimSpace(c.Query("state")); state != "" {
		filtered := items[:0]
		for _, item := range items {
			if item.State == state {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	total := len(items)

	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset > len(items) {
		offset = len(items)
	}
	if offset+limit > len(items) {
		limit = len(items) - offset
	}
	c.JSON(http.StatusOK, listJudgesResponse{Items: items[offset : offset+limit], Total: total})
}

func (h *JudgeHandler) JudgeStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Stats())
}

func (h *JudgeHandler) DisconnectJudge(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	force := c.Query("force") == "true"
	if err := h.pool.DisconnectJudge(name, force); err != nil {
		if errors.Is(err, registry.ErrJudgeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "judge is not connected"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disconnect judge"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"judge": name, "force": force})
}

type dispatchRequest struct {
	Problem  string `json:"problem"`
	Language string `json:"language"`
	Source   string `json:"source"`
	Judge    string `json:"judge,omitempty"`
}

type dispatchResponse struct {
	SubmissionID string `json:"submission_id"`
	Judge        string `json:"judge"`
}

func (h *JudgeHandler) DispatchSubmission(c *gin.Context) {
	submissionID := strings.TrimSpace(c.Param("id"))

	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Problem) == "" || strings.TrimSpace(req.Language) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "problem and language are required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	judge, err := h.pool.Dispatch(ctx, submissionID, req.Problem, req.Language, req.Source, req.Judge)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNoCapableJudge):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no capable judge available"})
		case errors.Is(err, bridge.ErrSessionBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "judge is already grading a submission"})
		case errors.Is(err, bridge.ErrSubmissionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "submission metadata not found"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to dispatch submission"})
		}
		return
	}
	c.JSON(http.StatusOK, dispatchResponse{SubmissionID: submissionID, Judge: judge})
}

func (h *JudgeHandler) AbortSubmission(c *gin.Context) {
	submissionID := strings.TrimSpace(c.Param("id"))
	if err := h.pool.Abort(submissionID); err != nil {
		switch {
		case errors.Is(err, registry.ErrSubmissionUnknown):
			c.JSON(http.StatusNotFound, gin.H{"error": "no judge is grading this submission"})
		case errors.Is(err, bridge.ErrNotIdle):
			c.JSON(http.StatusConflict, gin.H{"error": "no submission in flight"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to abort submission"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"submission_id": submissionID, "aborted": true})
}
