package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"convodesk/internal/metrics"
	"convodesk/internal/services"
)

// AutomationHandler exposes the rule engine's admin surface: rule CRUD, the
// audit log, the dry-run-style test endpoint and run statistics.
type AutomationHandler struct {
	service *services.AutomationService
	logger  *logrus.Logger
}

func NewAutomationHandler(service *services.AutomationService, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{service: service, logger: logger}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return 0, false
	}
	return uint(id), true
}

// ruleStatus maps service errors to HTTP status codes.
func ruleStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidRule):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ListRules returns all rules, highest priority first.
func (h *AutomationHandler) ListRules(c *gin.Context) {
	rules, err := h.service.ListRules(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Failed to list automation rules: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list rules", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

// GetRule returns one rule.
func (h *AutomationHandler) GetRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rule, err := h.service.GetRule(c.Request.Context(), id)
	if err != nil {
		c.JSON(ruleStatus(err), ErrorResponse{Error: "Failed to get rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// CreateRule validates and stores a new rule.
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	rule, err := h.service.CreateRule(c.Request.Context(), &req)
	if err != nil {
		c.JSON(ruleStatus(err), ErrorResponse{Error: "Failed to create rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule applies a partial update.
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req services.AutomationRuleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	rule, err := h.service.UpdateRule(c.Request.Context(), id, &req)
	if err != nil {
		c.JSON(ruleStatus(err), ErrorResponse{Error: "Failed to update rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule removes a rule; its audit log entries remain.
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteRule(c.Request.Context(), id); err != nil {
		c.JSON(ruleStatus(err), ErrorResponse{Error: "Failed to delete rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

type toggleRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

// ToggleRule flips a rule active or inactive.
func (h *AutomationHandler) ToggleRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	rule, err := h.service.ToggleRule(c.Request.Context(), id, *req.IsActive)
	if err != nil {
		c.JSON(ruleStatus(err), ErrorResponse{Error: "Failed to toggle rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

type testRuleRequest struct {
	TicketID  uint `json:"ticket_id" binding:"required"`
	MessageID uint `json:"message_id"`
}

// TestRule runs a single rule against a live ticket, inactive rules included.
// Actions execute for real; the response carries the full run result, action
// failures included, with HTTP 200.
func (h *AutomationHandler) TestRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req testRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	summary, err := h.service.RunRule(c.Request.Context(), id, req.TicketID, req.MessageID)
	if err != nil {
		c.JSON(ruleStatus(err), ErrorResponse{Error: "Failed to test rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListLogs returns audit entries, newest first, filterable by rule, status
// and trigger.
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	var req services.AutomationLogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}

	logs, err := h.service.ListLogs(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to list automation logs: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list logs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, logs)
}

// Stats exposes the in-process run counters.
func (h *AutomationHandler) Stats(c *gin.Context) {
	total, byStatus := metrics.AutomationSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"total_runs": total,
			"by_status":  byStatus,
		},
	})
}

// RegisterAutomationRoutes mounts the admin rule-engine surface.
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.ListRules)
		auto.POST("", handler.CreateRule)
		auto.GET("/:id", handler.GetRule)
		auto.PUT("/:id", handler.UpdateRule)
		auto.DELETE("/:id", handler.DeleteRule)
		auto.POST("/:id/toggle", handler.ToggleRule)
		auto.POST("/:id/test", handler.TestRule)
	}
	r.GET("/automation-logs", handler.ListLogs)
	r.GET("/automation-stats", handler.Stats)
}
