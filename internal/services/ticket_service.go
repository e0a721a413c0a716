package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"convodesk/internal/models"
)

// ErrTicketNotFound is returned when a ticket id does not resolve.
var ErrTicketNotFound = errors.New("ticket not found")

// TicketService owns ticket and message persistence and emits the trigger
// events the automation engine reacts to. Automation failures never abort the
// originating mutation.
type TicketService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	dispatcher *AutomationDispatcher
}

func NewTicketService(db *gorm.DB, logger *logrus.Logger) *TicketService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketService{db: db, logger: logger}
}

// SetDispatcher injects the automation dispatcher. Without one, mutations
// simply do not trigger automations (useful in tests).
func (s *TicketService) SetDispatcher(dispatcher *AutomationDispatcher) {
	s.dispatcher = dispatcher
}

// TicketCreateRequest is the payload for opening a ticket.
type TicketCreateRequest struct {
	ContactID uint   `json:"contact_id" binding:"required"`
	QueueID   *uint  `json:"queue_id"`
	Priority  string `json:"priority"`
	Subject   string `json:"subject"`
}

// MessageCreateRequest is the payload for an inbound message on a ticket.
type MessageCreateRequest struct {
	Body string `json:"body" binding:"required"`
}

// CreateTicket persists a new ticket and fires TICKET_CREATED.
func (s *TicketService) CreateTicket(ctx context.Context, req *TicketCreateRequest) (*models.Ticket, error) {
	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, req.ContactID).Error; err != nil {
		return nil, fmt.Errorf("contact not found: %w", err)
	}

	priority := req.Priority
	if priority == "" {
		priority = models.TicketPriorityNormal
	}

	ticket := &models.Ticket{
		ContactID:      req.ContactID,
		QueueID:        req.QueueID,
		Priority:       priority,
		Subject:        req.Subject,
		Status:         models.TicketStatusOpen,
		LastActivityAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}

	if s.dispatcher != nil {
		s.dispatcher.TicketCreated(ctx, ticket.ID)
	}
	return s.GetTicket(ctx, ticket.ID)
}

// IngestMessage stores an inbound contact message, bumps the unread counter
// and activity timestamp, and fires MESSAGE_RECEIVED.
func (s *TicketService) IngestMessage(ctx context.Context, ticketID uint, req *MessageCreateRequest) (*models.Message, error) {
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("load ticket: %w", err)
	}

	message := &models.Message{
		TicketID:  ticketID,
		ContactID: &ticket.ContactID,
		Direction: models.MessageDirectionIn,
		Body:      req.Body,
	}
	if err := s.db.WithContext(ctx).Create(message).Error; err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ticketID).
		Updates(map[string]interface{}{
			"unread_messages":  gorm.Expr("unread_messages + 1"),
			"last_activity_at": time.Now(),
		}).Error; err != nil {
		return nil, fmt.Errorf("update ticket activity: %w", err)
	}

	if s.dispatcher != nil {
		s.dispatcher.MessageReceived(ctx, ticketID, message.ID)
	}
	return message, nil
}

// UpdateStatus transitions the ticket status and fires TICKET_STATUS_CHANGED.
func (s *TicketService) UpdateStatus(ctx context.Context, ticketID uint, status, reason string) (*models.Ticket, error) {
	switch status {
	case models.TicketStatusOpen, models.TicketStatusPending, models.TicketStatusClosed:
	default:
		return nil, fmt.Errorf("%w: unsupported status %q", ErrInvalidRule, status)
	}

	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("load ticket: %w", err)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":           status,
		"last_activity_at": now,
	}
	if status == models.TicketStatusClosed {
		updates["closed_at"] = now
		if reason != "" {
			updates["close_reason"] = reason
		}
	}
	if err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ticketID).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	if s.dispatcher != nil {
		s.dispatcher.TicketStatusChanged(ctx, ticketID)
	}
	return s.GetTicket(ctx, ticketID)
}

// GetTicket loads one ticket with its contact, queue and agent.
func (s *TicketService) GetTicket(ctx context.Context, id uint) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.WithContext(ctx).
		Preload("Contact").
		Preload("Queue").
		Preload("Agent").
		First(&ticket, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	return &ticket, nil
}

// LoadRuleContext builds the snapshot one rule evaluates against. The engine
// calls it again before every rule so earlier actions are visible to later
// conditions.
func (s *TicketService) LoadRuleContext(ctx context.Context, trigger string, ticketID, messageID uint) (*RuleContext, error) {
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("load ticket: %w", err)
	}

	rc := &RuleContext{
		Trigger: trigger,
		Ticket:  &ticket,
		Now:     time.Now(),
	}

	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, ticket.ContactID).Error; err == nil {
		rc.Contact = &contact
	}

	if ticket.QueueID != nil {
		var queue models.Queue
		if err := s.db.WithContext(ctx).First(&queue, *ticket.QueueID).Error; err == nil {
			rc.Queue = &queue
		}
	}

	var tagIDs []uint
	if err := s.db.WithContext(ctx).Model(&models.TicketTag{}).
		Where("ticket_id = ?", ticketID).
		Order("tag_id ASC").
		Pluck("tag_id", &tagIDs).Error; err != nil {
		return nil, fmt.Errorf("load ticket tags: %w", err)
	}
	rc.TagIDs = tagIDs

	if messageID != 0 {
		var message models.Message
		if err := s.db.WithContext(ctx).First(&message, messageID).Error; err != nil {
			return nil, fmt.Errorf("load message %d: %w", messageID, err)
		}
		rc.Message = &message
	}

	return rc, nil
}
