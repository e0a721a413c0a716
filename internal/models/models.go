package models

import (
	"time"

	"gorm.io/gorm"
)

// Ticket statuses.
const (
	TicketStatusOpen    = "open"
	TicketStatusPending = "pending"
	TicketStatusClosed  = "closed"
)

// Ticket priorities.
const (
	TicketPriorityLow    = "low"
	TicketPriorityNormal = "normal"
	TicketPriorityHigh   = "high"
	TicketPriorityUrgent = "urgent"
)

// Contact is the person a ticket belongs to.
type Contact struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"not null" json:"name"`
	Phone     string         `gorm:"index" json:"phone"`
	Email     string         `json:"email"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Tickets []Ticket `gorm:"foreignKey:ContactID" json:"tickets,omitempty"`
}

// Queue is a routing bucket tickets are assigned to.
type Queue struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent is a service operator who answers tickets.
type Agent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Email     string    `gorm:"unique;not null" json:"email"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Tickets []Ticket `gorm:"foreignKey:AgentID" json:"tickets,omitempty"`
}

// AgentQueue links agents to the queues they work.
type AgentQueue struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	AgentID uint `gorm:"index:idx_agent_queue,unique" json:"agent_id"`
	QueueID uint `gorm:"index:idx_agent_queue,unique" json:"queue_id"`

	Agent Agent `gorm:"foreignKey:AgentID" json:"agent,omitempty"`
	Queue Queue `gorm:"foreignKey:QueueID" json:"queue,omitempty"`
}

// Tag is a label applied to tickets.
type Tag struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

// TicketTag links tags to tickets. Applying an existing tag is a no-op.
type TicketTag struct {
	ID       uint `gorm:"primaryKey" json:"id"`
	TicketID uint `gorm:"index:idx_ticket_tag,unique" json:"ticket_id"`
	TagID    uint `gorm:"index:idx_ticket_tag,unique" json:"tag_id"`

	Ticket Ticket `gorm:"foreignKey:TicketID" json:"ticket,omitempty"`
	Tag    Tag    `gorm:"foreignKey:TagID" json:"tag,omitempty"`
}

// Ticket is the unit of customer-service work.
type Ticket struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ContactID      uint           `gorm:"index" json:"contact_id"`
	QueueID        *uint          `gorm:"index" json:"queue_id"`
	AgentID        *uint          `gorm:"index" json:"agent_id"`
	Status         string         `gorm:"default:'open';index" json:"status"`
	Priority       string         `gorm:"default:'normal'" json:"priority"`
	Subject        string         `json:"subject"`
	UnreadMessages int            `gorm:"default:0" json:"unread_messages"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	CloseReason    string         `json:"close_reason,omitempty"`
	ClosedAt       *time.Time     `json:"closed_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	Contact  Contact   `gorm:"foreignKey:ContactID" json:"contact,omitempty"`
	Queue    *Queue    `gorm:"foreignKey:QueueID" json:"queue,omitempty"`
	Agent    *Agent    `gorm:"foreignKey:AgentID" json:"agent,omitempty"`
	Messages []Message `gorm:"foreignKey:TicketID" json:"messages,omitempty"`
}

// Message directions.
const (
	MessageDirectionIn  = "in"
	MessageDirectionOut = "out"
)

// Message is one message on a ticket conversation.
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	ContactID *uint     `gorm:"index" json:"contact_id"`
	AgentID   *uint     `gorm:"index" json:"agent_id"`
	Direction string    `gorm:"default:'in'" json:"direction"` // in, out
	Body      string    `gorm:"type:text" json:"body"`
	CreatedAt time.Time `json:"created_at"`

	Ticket Ticket `gorm:"foreignKey:TicketID" json:"ticket,omitempty"`
}

// Survey statuses.
const (
	SurveyStatusPending  = "pending"
	SurveyStatusSent     = "sent"
	SurveyStatusAnswered = "answered"
)

// SatisfactionSurvey is a tokenized CSAT request scheduled when a ticket closes.
type SatisfactionSurvey struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	TicketID   uint       `gorm:"index" json:"ticket_id"`
	Token      string     `gorm:"uniqueIndex;not null" json:"token"`
	Status     string     `gorm:"default:'pending';index" json:"status"`
	Rating     *int       `json:"rating"`
	Comment    string     `gorm:"type:text" json:"comment"`
	SentAt     *time.Time `json:"sent_at"`
	AnsweredAt *time.Time `json:"answered_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	Ticket Ticket `gorm:"foreignKey:TicketID" json:"ticket,omitempty"`
}
