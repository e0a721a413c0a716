package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"convodesk/internal/models"
)

// ErrInvalidRule marks validation failures on rule payloads (unknown variants,
// missing required fields). The admin API maps it to HTTP 400.
var ErrInvalidRule = errors.New("invalid automation rule")

// RuleContext is the read-only snapshot a single rule evaluates against. It is
// re-read from the store between rules, because an earlier rule's actions may
// change what a later rule's conditions see.
type RuleContext struct {
	Trigger string
	Ticket  *models.Ticket
	Contact *models.Contact
	Queue   *models.Queue
	TagIDs  []uint
	Message *models.Message
	Now     time.Time
	// Location resolves business_hours conditions without an explicit
	// timezone. Nil means time.UTC.
	Location *time.Location
}

// Condition is a pure predicate over a RuleContext. Implementations are the
// closed set of supported variants; unknown variants are rejected at parse
// time, and a malformed context (e.g. a message condition with no message)
// surfaces as an evaluation error, never as a silent true/false.
type Condition interface {
	Kind() string
	Evaluate(rc *RuleContext) (bool, error)
}

// compareNumber applies the shared comparator semantics used by every numeric
// condition.
func compareNumber(op string, actual, threshold float64) (bool, error) {
	switch op {
	case ">":
		return actual > threshold, nil
	case ">=":
		return actual >= threshold, nil
	case "=":
		return actual == threshold, nil
	case "<":
		return actual < threshold, nil
	case "<=":
		return actual <= threshold, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func validOperator(op string) bool {
	switch op {
	case ">", ">=", "=", "<", "<=":
		return true
	}
	return false
}

// TicketStatusCondition matches when the ticket status is in the set. An
// empty set matches any status.
type TicketStatusCondition struct {
	Statuses []string `json:"statuses"`
}

func (c *TicketStatusCondition) Kind() string { return "ticket_status" }

func (c *TicketStatusCondition) Evaluate(rc *RuleContext) (bool, error) {
	if rc.Ticket == nil {
		return false, fmt.Errorf("ticket_status: no ticket in context")
	}
	if len(c.Statuses) == 0 {
		return true, nil
	}
	for _, st := range c.Statuses {
		if rc.Ticket.Status == st {
			return true, nil
		}
	}
	return false, nil
}

// QueueCondition matches when the ticket's queue is in the set. A ticket with
// no queue never matches.
type QueueCondition struct {
	QueueIDs []uint `json:"queueIds"`
}

func (c *QueueCondition) Kind() string { return "queue" }

func (c *QueueCondition) Evaluate(rc *RuleContext) (bool, error) {
	if rc.Ticket == nil {
		return false, fmt.Errorf("queue: no ticket in context")
	}
	if rc.Ticket.QueueID == nil {
		return false, nil
	}
	for _, id := range c.QueueIDs {
		if *rc.Ticket.QueueID == id {
			return true, nil
		}
	}
	return false, nil
}

// TicketPriorityCondition matches when the ticket priority is in the set.
type TicketPriorityCondition struct {
	Priorities []string `json:"priorities"`
}

func (c *TicketPriorityCondition) Kind() string { return "ticket_priority" }

func (c *TicketPriorityCondition) Evaluate(rc *RuleContext) (bool, error) {
	if rc.Ticket == nil {
		return false, fmt.Errorf("ticket_priority: no ticket in context")
	}
	for _, p := range c.Priorities {
		if rc.Ticket.Priority == p {
			return true, nil
		}
	}
	return false, nil
}

// TicketUnassignedCondition matches when "ticket has no agent" equals Value.
type TicketUnassignedCondition struct {
	Value bool `json:"value"`
}

func (c *TicketUnassignedCondition) Kind() string { return "ticket_unassigned" }

func (c *TicketUnassignedCondition) Evaluate(rc *RuleContext) (bool, error) {
	if rc.Ticket == nil {
		return false, fmt.Errorf("ticket_unassigned: no ticket in context")
	}
	return (rc.Ticket.AgentID == nil) == c.Value, nil
}

// Tag set-membership modes.
const (
	TagModeAll  = "all"
	TagModeAny  = "any"
	TagModeNone = "none"
)

// TicketHasTagsCondition matches per set-membership mode against the ticket's
// current tags.
type TicketHasTagsCondition struct {
	TagIDs []uint `json:"tagIds"`
	Mode   string `json:"mode"`
}

func (c *TicketHasTagsCondition) Kind() string { return "ticket_has_tags" }

func (c *TicketHasTagsCondition) Evaluate(rc *RuleContext) (bool, error) {
	present := make(map[uint]bool, len(rc.TagIDs))
	for _, id := range rc.TagIDs {
		present[id] = true
	}
	switch c.Mode {
	case TagModeAll:
		for _, id := range c.TagIDs {
			if !present[id] {
				return false, nil
			}
		}
		return true, nil
	case TagModeAny:
		for _, id := range c.TagIDs {
			if present[id] {
				return true, nil
			}
		}
		return false, nil
	case TagModeNone:
		for _, id := range c.TagIDs {
			if present[id] {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("ticket_has_tags: unsupported mode %q", c.Mode)
	}
}

// MessageBodyContainsCondition matches when the triggering message body
// contains any keyword as a case-insensitive substring. Short-circuits on the
// first hit.
type MessageBodyContainsCondition struct {
	Keywords []string `json:"keywords"`
}

func (c *MessageBodyContainsCondition) Kind() string { return "message_body_contains" }

func (c *MessageBodyContainsCondition) Evaluate(rc *RuleContext) (bool, error) {
	if rc.Message == nil {
		return false, fmt.Errorf("message_body_contains: no message in context")
	}
	body := strings.ToLower(rc.Message.Body)
	for _, kw := range c.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(body, strings.ToLower(kw)) {
			return true, nil
		}
	}
	return false, nil
}

// TicketIdleMinutesCondition compares now - lastActivityAt, in minutes.
type TicketIdleMinutesCondition struct {
	Operator string  `json:"operator"`
	Minutes  float64 `json:"minutes"`
}

func (c *TicketIdleMinutesCondition) Kind() string { return "ticket_idle_minutes" }

func (c *TicketIdleMinutesCondition) Evaluate(rc *RuleContext) (bool, error) {
	if rc.Ticket == nil {
		return false, fmt.Errorf("ticket_idle_minutes: no ticket in context")
	}
	idle := rc.Now.Sub(rc.Ticket.LastActivityAt).Minutes()
	return compareNumber(c.Operator, idle, c.Minutes)
}

// TicketUnreadMessagesCondition compares the ticket's unread-message count.
type TicketUnreadMessagesCondition struct {
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

func (c *TicketUnreadMessagesCondition) Kind() string { return "ticket_unread_messages" }

func (c *TicketUnreadMessagesCondition) Evaluate(rc *RuleContext) (bool, error) {
	if rc.Ticket == nil {
		return false, fmt.Errorf("ticket_unread_messages: no ticket in context")
	}
	return compareNumber(c.Operator, float64(rc.Ticket.UnreadMessages), c.Value)
}

// BusinessHoursCondition matches when the current time, in the target
// timezone, falls on a listed weekday within [StartTime, EndTime). When
// EndTime < StartTime the window spans midnight into the next calendar day.
type BusinessHoursCondition struct {
	Timezone   string `json:"timezone,omitempty"`
	DaysOfWeek []int  `json:"daysOfWeek"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
}

func (c *BusinessHoursCondition) Kind() string { return "business_hours" }

func (c *BusinessHoursCondition) Evaluate(rc *RuleContext) (bool, error) {
	loc := rc.Location
	if c.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(c.Timezone)
		if err != nil {
			return false, fmt.Errorf("business_hours: load timezone %q: %w", c.Timezone, err)
		}
	}
	if loc == nil {
		loc = time.UTC
	}

	start, err := minutesSinceMidnight(c.StartTime)
	if err != nil {
		return false, fmt.Errorf("business_hours: startTime: %w", err)
	}
	end, err := minutesSinceMidnight(c.EndTime)
	if err != nil {
		return false, fmt.Errorf("business_hours: endTime: %w", err)
	}

	now := rc.Now.In(loc)
	current := now.Hour()*60 + now.Minute()
	weekday := int(now.Weekday())

	var inWindow bool
	if end < start {
		// Overnight window. The portion after midnight belongs to the
		// previous calendar day for the weekday check.
		inWindow = current >= start || current < end
		if inWindow && current < end {
			weekday = (weekday + 6) % 7
		}
	} else {
		inWindow = current >= start && current < end
	}
	if !inWindow {
		return false, nil
	}

	if len(c.DaysOfWeek) == 0 {
		return true, nil
	}
	for _, d := range c.DaysOfWeek {
		if d == weekday {
			return true, nil
		}
	}
	return false, nil
}

// minutesSinceMidnight parses "HH:MM" into minutes.
func minutesSinceMidnight(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

type variantEnvelope struct {
	Type string `json:"type"`
}

// ParseCondition decodes and validates one tagged condition variant.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	var env variantEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: condition is not an object: %v", ErrInvalidRule, err)
	}

	var (
		cond Condition
		err  error
	)
	switch env.Type {
	case "ticket_status":
		c := &TicketStatusCondition{}
		err = json.Unmarshal(raw, c)
		cond = c
	case "queue":
		c := &QueueCondition{}
		if err = json.Unmarshal(raw, c); err == nil && len(c.QueueIDs) == 0 {
			err = fmt.Errorf("queueIds must not be empty")
		}
		cond = c
	case "ticket_priority":
		c := &TicketPriorityCondition{}
		if err = json.Unmarshal(raw, c); err == nil && len(c.Priorities) == 0 {
			err = fmt.Errorf("priorities must not be empty")
		}
		cond = c
	case "ticket_unassigned":
		c := &TicketUnassignedCondition{}
		err = json.Unmarshal(raw, c)
		cond = c
	case "ticket_has_tags":
		c := &TicketHasTagsCondition{}
		if err = json.Unmarshal(raw, c); err == nil {
			switch {
			case len(c.TagIDs) == 0:
				err = fmt.Errorf("tagIds must not be empty")
			case c.Mode != TagModeAll && c.Mode != TagModeAny && c.Mode != TagModeNone:
				err = fmt.Errorf("mode must be all, any or none")
			}
		}
		cond = c
	case "message_body_contains":
		c := &MessageBodyContainsCondition{}
		if err = json.Unmarshal(raw, c); err == nil && len(c.Keywords) == 0 {
			err = fmt.Errorf("keywords must not be empty")
		}
		cond = c
	case "ticket_idle_minutes":
		c := &TicketIdleMinutesCondition{}
		if err = json.Unmarshal(raw, c); err == nil && !validOperator(c.Operator) {
			err = fmt.Errorf("unsupported operator %q", c.Operator)
		}
		cond = c
	case "ticket_unread_messages":
		c := &TicketUnreadMessagesCondition{}
		if err = json.Unmarshal(raw, c); err == nil && !validOperator(c.Operator) {
			err = fmt.Errorf("unsupported operator %q", c.Operator)
		}
		cond = c
	case "business_hours":
		c := &BusinessHoursCondition{}
		if err = json.Unmarshal(raw, c); err == nil {
			if _, err = minutesSinceMidnight(c.StartTime); err == nil {
				_, err = minutesSinceMidnight(c.EndTime)
			}
			if err == nil {
				for _, d := range c.DaysOfWeek {
					if d < 0 || d > 6 {
						err = fmt.Errorf("dayOfWeek %d out of range 0..6", d)
						break
					}
				}
			}
			if err == nil && c.Timezone != "" {
				_, err = time.LoadLocation(c.Timezone)
			}
		}
		cond = c
	case "":
		return nil, fmt.Errorf("%w: condition missing type", ErrInvalidRule)
	default:
		return nil, fmt.Errorf("%w: unknown condition type %q", ErrInvalidRule, env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: condition %s: %v", ErrInvalidRule, env.Type, err)
	}
	return cond, nil
}

// ParseConditions decodes a JSON array of condition variants. An empty or
// missing array is valid: a rule with zero conditions always matches.
func ParseConditions(raw string) ([]Condition, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: conditions must be a JSON array: %v", ErrInvalidRule, err)
	}
	conds := make([]Condition, 0, len(items))
	for _, item := range items {
		c, err := ParseCondition(item)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}
