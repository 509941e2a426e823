package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pricepilot/pricepilot/internal/pipeline/application"
	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
	"github.com/pricepilot/pricepilot/pkg/logger"
	"github.com/pricepilot/pricepilot/pkg/response"
)

// PipelineHandler 管道 HTTP 处理器
// 薄层：鉴权/多租户隔离由网关侧完成，这里只做参数绑定与错误映射
type PipelineHandler struct {
	materializer *application.Materializer
	runs         *application.RunService
	reconciler   *application.Reconciler
}

// NewPipelineHandler 创建 HTTP 处理器
func NewPipelineHandler(
	materializer *application.Materializer,
	runs *application.RunService,
	reconciler *application.Reconciler,
) *PipelineHandler {
	return &PipelineHandler{materializer: materializer, runs: runs, reconciler: reconciler}
}

// RegisterRoutes 注册路由
func (h *PipelineHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/rules/:id/materialize", h.Materialize)
		api.GET("/runs", h.ListRuns)
		api.GET("/runs/:id", h.GetRun)
		api.POST("/runs/:id/queue", h.QueueRun)
		api.POST("/runs/:id/retry", h.RetryRun)
		api.POST("/runs/:id/rollback", h.RollbackRun)
		api.POST("/runs/:id/cancel", h.CancelRun)
		api.POST("/runs/:id/reconcile", h.ReconcileRun)
	}
}

type actorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (r *actorRequest) actorOrDefault() string {
	if r.Actor == "" {
		return "api"
	}
	return r.Actor
}

// Materialize 触发规则物化
func (h *PipelineHandler) Materialize(c *gin.Context) {
	ruleID := c.Param("id")
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	run, err := h.materializer.Materialize(c.Request.Context(), ruleID, req.actorOrDefault())
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, run)
}

// QueueRun 触发批次入队
func (h *PipelineHandler) QueueRun(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.runs.QueueRun(c.Request.Context(), c.Param("id"), req.actorOrDefault()); err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{"run_id": c.Param("id")})
}

// RetryRun 重试失败目标
func (h *PipelineHandler) RetryRun(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.runs.RetryRun(c.Request.Context(), c.Param("id"), req.actorOrDefault()); err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{"run_id": c.Param("id")})
}

// RollbackRun 回滚批次
func (h *PipelineHandler) RollbackRun(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.runs.RollbackRun(c.Request.Context(), c.Param("id"), req.actorOrDefault()); err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{"run_id": c.Param("id")})
}

// CancelRun 取消批次
func (h *PipelineHandler) CancelRun(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.runs.CancelRun(c.Request.Context(), c.Param("id"), req.actorOrDefault(), req.Reason); err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{"run_id": c.Param("id")})
}

// ReconcileRun 触发对账
func (h *PipelineHandler) ReconcileRun(c *gin.Context) {
	report, err := h.reconciler.ReconcileRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, report)
}

// GetRun 查询批次状态与进度
func (h *PipelineHandler) GetRun(c *gin.Context) {
	view, err := h.runs.GetRunStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, view)
}

// ListRuns 批次列表，状态/规则过滤 + 游标分页
func (h *PipelineHandler) ListRuns(c *gin.Context) {
	filter := domain.RunFilter{
		TenantID: c.Query("tenant_id"),
		RuleID:   c.Query("rule_id"),
	}

	if statusStr := c.Query("status"); statusStr != "" {
		n, err := strconv.Atoi(statusStr)
		if err != nil {
			response.ErrorWithStatus(c, http.StatusBadRequest, "invalid status", "")
			return
		}
		status := domain.RunStatus(n)
		filter.Status = &status
	}
	if cursorStr := c.Query("cursor"); cursorStr != "" {
		n, err := strconv.ParseUint(cursorStr, 10, 64)
		if err != nil {
			response.ErrorWithStatus(c, http.StatusBadRequest, "invalid cursor", "")
			return
		}
		filter.Cursor = uint(n)
	}
	if limitStr := c.DefaultQuery("limit", "20"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			response.ErrorWithStatus(c, http.StatusBadRequest, "invalid limit", "")
			return
		}
		filter.Limit = n
	}

	runs, nextCursor, err := h.runs.ListRuns(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{"runs": runs, "next_cursor": nextCursor})
}

// writeError 错误映射：NotFound 族 404，状态前置条件 400，其余 500
func (h *PipelineHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrRuleNotFound),
		errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrTargetNotFound):
		response.ErrorWithStatus(c, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrRuleDisabled):
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
	default:
		logger.Error(c.Request.Context(), "pipeline request failed",
			"path", c.FullPath(), "error", err)
		response.ErrorWithStatus(c, http.StatusInternalServerError, "internal error", err.Error())
	}
}
