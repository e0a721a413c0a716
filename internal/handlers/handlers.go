package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"convodesk/internal/services"
)

// FeedHandler exposes the live automation run feed over WebSocket.
type FeedHandler struct {
	hub *services.FeedHub
}

func NewFeedHandler(hub *services.FeedHub) *FeedHandler {
	return &FeedHandler{hub: hub}
}

func (h *FeedHandler) HandleWebSocket(c *gin.Context) {
	h.hub.HandleWebSocket(c)
}

func (h *FeedHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"connected_clients": h.hub.GetClientCount(),
			"status":            "running",
		},
	})
}

// SurveyHandler handles tokenized CSAT responses; no auth required.
type SurveyHandler struct {
	service *services.SatisfactionService
}

func NewSurveyHandler(service *services.SatisfactionService) *SurveyHandler {
	return &SurveyHandler{service: service}
}

func (h *SurveyHandler) SubmitResponse(c *gin.Context) {
	token := c.Param("token")
	var req struct {
		Rating  int    `json:"rating" binding:"required,min=1,max=5"`
		Comment string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid payload", Message: err.Error()})
		return
	}

	survey, err := h.service.RespondSurvey(c.Request.Context(), token, req.Rating, req.Comment)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to submit survey", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "thanks for your feedback", Data: survey})
}

// RegisterSurveyRoutes mounts the public survey surface.
func RegisterSurveyRoutes(r *gin.RouterGroup, handler *SurveyHandler) {
	r.POST("/surveys/:token/respond", handler.SubmitResponse)
}

type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": "1.0.0",
	})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}
