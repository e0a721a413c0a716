package models

import "time"

// Automation triggers.
const (
	TriggerTicketCreated       = "TICKET_CREATED"
	TriggerMessageReceived     = "MESSAGE_RECEIVED"
	TriggerTicketStatusChanged = "TICKET_STATUS_CHANGED"
)

// Automation run statuses.
const (
	RunStatusSuccess = "SUCCESS"
	RunStatusSkipped = "SKIPPED"
	RunStatusFailed  = "FAILED"
)

// AutomationRule is a declarative automation: when the trigger fires and every
// condition matches, the actions run in declared order. Conditions and Actions
// are stored as JSON arrays of tagged variants and validated on write.
type AutomationRule struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"unique;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Trigger     string    `gorm:"not null;index" json:"trigger"`
	IsActive    bool      `gorm:"default:true;index" json:"is_active"`
	Priority    int       `gorm:"default:0" json:"priority"`
	StopOnMatch bool      `gorm:"default:false" json:"stop_on_match"`
	Conditions  string    `gorm:"type:text" json:"conditions"` // JSON: [{"type":...}]
	Actions     string    `gorm:"type:text" json:"actions"`    // JSON: [{"type":...}]
	Metadata    string    `gorm:"type:text" json:"metadata"`   // opaque JSON object
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AutomationLog is one immutable audit record per rule evaluated per
// invocation. SKIPPED means conditions did not match, FAILED means conditions
// matched but evaluation or at least one action failed.
type AutomationLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Trigger   string    `gorm:"index" json:"trigger"`
	Status    string    `gorm:"index" json:"status"`
	RuleID    *uint     `gorm:"index" json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	Message   string    `gorm:"type:text" json:"message,omitempty"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	Context   string    `gorm:"type:text" json:"context"` // structured snapshot, JSON
	CreatedAt time.Time `json:"created_at"`

	Rule *AutomationRule `gorm:"foreignKey:RuleID" json:"rule,omitempty"`
}
