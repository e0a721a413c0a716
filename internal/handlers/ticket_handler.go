package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"convodesk/internal/services"
)

// TicketHandler exposes the ticket mutations that feed the automation engine.
type TicketHandler struct {
	tickets *services.TicketService
	logger  *logrus.Logger
}

func NewTicketHandler(tickets *services.TicketService, logger *logrus.Logger) *TicketHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketHandler{tickets: tickets, logger: logger}
}

func ticketStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidRule):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// CreateTicket opens a ticket and fires TICKET_CREATED.
func (h *TicketHandler) CreateTicket(c *gin.Context) {
	var req services.TicketCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	ticket, err := h.tickets.CreateTicket(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to create ticket: %v", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create ticket", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

// GetTicket returns one ticket with its contact, queue and agent.
func (h *TicketHandler) GetTicket(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ticket, err := h.tickets.GetTicket(c.Request.Context(), id)
	if err != nil {
		c.JSON(ticketStatus(err), ErrorResponse{Error: "Failed to get ticket", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// IngestMessage records an inbound contact message and fires MESSAGE_RECEIVED.
func (h *TicketHandler) IngestMessage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req services.MessageCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	message, err := h.tickets.IngestMessage(c.Request.Context(), id, &req)
	if err != nil {
		c.JSON(ticketStatus(err), ErrorResponse{Error: "Failed to ingest message", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, message)
}

type statusUpdateRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// UpdateStatus transitions the ticket and fires TICKET_STATUS_CHANGED.
func (h *TicketHandler) UpdateStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	ticket, err := h.tickets.UpdateStatus(c.Request.Context(), id, req.Status, req.Reason)
	if err != nil {
		c.JSON(ticketStatus(err), ErrorResponse{Error: "Failed to update status", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// RegisterTicketRoutes mounts the ticket surface.
func RegisterTicketRoutes(r *gin.RouterGroup, handler *TicketHandler) {
	tickets := r.Group("/tickets")
	{
		tickets.POST("", handler.CreateTicket)
		tickets.GET("/:id", handler.GetTicket)
		tickets.POST("/:id/messages", handler.IngestMessage)
		tickets.PATCH("/:id/status", handler.UpdateStatus)
	}
}
