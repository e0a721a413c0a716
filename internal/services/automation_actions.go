package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"convodesk/internal/models"
	"convodesk/pkg/webhook"
)

// Action result statuses.
const (
	ActionStatusPerformed = "performed"
	ActionStatusSkipped   = "skipped"
	ActionStatusFailed    = "failed"
)

// ErrQueueNotFound is returned by assign_queue when the target queue does not
// exist.
var ErrQueueNotFound = errors.New("queue not found")

// Action is one declarative side effect of a matched rule. Variants are pure
// data; the executor owns the collaborators they run against.
type Action interface {
	Kind() string
}

// ActionResult is the audit outcome of one executed action.
type ActionResult struct {
	Type    string `json:"type"`
	Status  string `json:"status"` // performed, skipped, failed
	Details string `json:"details,omitempty"`
}

// Agent assignment strategies.
const AssignStrategyLeastTickets = "LEAST_TICKETS"

// AssignAgentAction assigns an agent to the ticket. The candidate pool is
// AgentIDs when given, otherwise the agents of the ticket's queue when
// IncludeQueueAgents is set. An empty pool after exclusions is a skip, not a
// failure.
type AssignAgentAction struct {
	Strategy           string `json:"strategy,omitempty"`
	AgentIDs           []uint `json:"agentIds,omitempty"`
	MaxTicketsPerAgent *int   `json:"maxTicketsPerAgent,omitempty"`
	IncludeQueueAgents bool   `json:"includeQueueAgents,omitempty"`
}

func (a *AssignAgentAction) Kind() string { return "assign_agent" }

// AssignQueueAction moves the ticket to another queue unconditionally.
type AssignQueueAction struct {
	QueueID uint `json:"queueId"`
}

func (a *AssignQueueAction) Kind() string { return "assign_queue" }

// ApplyTagsAction unions the requested tags into the ticket's tag set.
type ApplyTagsAction struct {
	TagIDs []uint `json:"tagIds"`
}

func (a *ApplyTagsAction) Kind() string { return "apply_tags" }

// CloseTicketAction transitions the ticket to closed and optionally schedules
// a satisfaction survey.
type CloseTicketAction struct {
	Reason      string `json:"reason,omitempty"`
	ApplySurvey bool   `json:"applySurvey,omitempty"`
}

func (a *CloseTicketAction) Kind() string { return "close_ticket" }

// TriggerWebhookAction issues one timed HTTP call with an optional templated
// body.
type TriggerWebhookAction struct {
	URL          string            `json:"url"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyTemplate string            `json:"bodyTemplate,omitempty"`
	TimeoutMs    int               `json:"timeoutMs,omitempty"`
}

func (a *TriggerWebhookAction) Kind() string { return "trigger_webhook" }

// ParseAction decodes and validates one tagged action variant.
func ParseAction(raw json.RawMessage) (Action, error) {
	var env variantEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: action is not an object: %v", ErrInvalidRule, err)
	}

	var (
		act Action
		err error
	)
	switch env.Type {
	case "assign_agent":
		a := &AssignAgentAction{}
		if err = json.Unmarshal(raw, a); err == nil {
			if a.Strategy != "" && a.Strategy != AssignStrategyLeastTickets {
				err = fmt.Errorf("unsupported strategy %q", a.Strategy)
			} else if len(a.AgentIDs) == 0 && !a.IncludeQueueAgents {
				err = fmt.Errorf("agentIds or includeQueueAgents required")
			}
		}
		act = a
	case "assign_queue":
		a := &AssignQueueAction{}
		if err = json.Unmarshal(raw, a); err == nil && a.QueueID == 0 {
			err = fmt.Errorf("queueId required")
		}
		act = a
	case "apply_tags":
		a := &ApplyTagsAction{}
		if err = json.Unmarshal(raw, a); err == nil && len(a.TagIDs) == 0 {
			err = fmt.Errorf("tagIds must not be empty")
		}
		act = a
	case "close_ticket":
		a := &CloseTicketAction{}
		err = json.Unmarshal(raw, a)
		act = a
	case "trigger_webhook":
		a := &TriggerWebhookAction{}
		if err = json.Unmarshal(raw, a); err == nil {
			if a.URL == "" {
				err = fmt.Errorf("url required")
			} else if a.Method != "" {
				switch strings.ToUpper(a.Method) {
				case "GET", "POST", "PUT", "PATCH":
				default:
					err = fmt.Errorf("unsupported method %q", a.Method)
				}
			}
		}
		act = a
	case "":
		return nil, fmt.Errorf("%w: action missing type", ErrInvalidRule)
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidRule, env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: action %s: %v", ErrInvalidRule, env.Type, err)
	}
	return act, nil
}

// ParseActions decodes a JSON array of action variants.
func ParseActions(raw string) ([]Action, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: actions must be a JSON array: %v", ErrInvalidRule, err)
	}
	actions := make([]Action, 0, len(items))
	for _, item := range items {
		a, err := ParseAction(item)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// ActionExecutor runs one action against its collaborator and reports the
// outcome. Actions never call each other; siblings in the same rule still run
// after one of them fails.
type ActionExecutor struct {
	db       *gorm.DB
	logger   *logrus.Logger
	agents   *AgentService
	surveys  *SatisfactionService
	webhooks *webhook.Client
}

func NewActionExecutor(db *gorm.DB, logger *logrus.Logger, agents *AgentService, surveys *SatisfactionService, webhooks *webhook.Client) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionExecutor{
		db:       db,
		logger:   logger,
		agents:   agents,
		surveys:  surveys,
		webhooks: webhooks,
	}
}

// Execute dispatches on the action variant. Unknown variants cannot reach
// here: ParseActions rejects them before a rule is ever stored.
func (e *ActionExecutor) Execute(ctx context.Context, act Action, rc *RuleContext) ActionResult {
	switch a := act.(type) {
	case *AssignAgentAction:
		return e.executeAssignAgent(ctx, a, rc)
	case *AssignQueueAction:
		return e.executeAssignQueue(ctx, a, rc)
	case *ApplyTagsAction:
		return e.executeApplyTags(ctx, a, rc)
	case *CloseTicketAction:
		return e.executeCloseTicket(ctx, a, rc)
	case *TriggerWebhookAction:
		return e.executeTriggerWebhook(ctx, a, rc)
	default:
		return ActionResult{Type: act.Kind(), Status: ActionStatusFailed, Details: "unsupported action variant"}
	}
}

func (e *ActionExecutor) executeAssignAgent(ctx context.Context, a *AssignAgentAction, rc *RuleContext) ActionResult {
	res := ActionResult{Type: a.Kind()}

	var candidateIDs []uint
	if len(a.AgentIDs) > 0 {
		agents, err := e.agents.GetActiveAgents(ctx, a.AgentIDs)
		if err != nil {
			res.Status = ActionStatusFailed
			res.Details = fmt.Sprintf("load agents: %v", err)
			return res
		}
		for _, ag := range agents {
			candidateIDs = append(candidateIDs, ag.ID)
		}
	} else if a.IncludeQueueAgents {
		if rc.Ticket.QueueID == nil {
			res.Status = ActionStatusSkipped
			res.Details = "ticket has no queue to draw agents from"
			return res
		}
		agents, err := e.agents.ListQueueAgents(ctx, *rc.Ticket.QueueID)
		if err != nil {
			res.Status = ActionStatusFailed
			res.Details = fmt.Sprintf("load queue agents: %v", err)
			return res
		}
		for _, ag := range agents {
			candidateIDs = append(candidateIDs, ag.ID)
		}
	}

	if len(candidateIDs) == 0 {
		res.Status = ActionStatusSkipped
		res.Details = "no candidate agents"
		return res
	}

	counts, err := e.agents.CountOpenTickets(ctx, candidateIDs)
	if err != nil {
		res.Status = ActionStatusFailed
		res.Details = fmt.Sprintf("count open tickets: %v", err)
		return res
	}

	if a.MaxTicketsPerAgent != nil {
		max := int64(*a.MaxTicketsPerAgent)
		filtered := candidateIDs[:0]
		for _, id := range candidateIDs {
			if counts[id] < max {
				filtered = append(filtered, id)
			}
		}
		candidateIDs = filtered
	}
	if len(candidateIDs) == 0 {
		res.Status = ActionStatusSkipped
		res.Details = "all candidates at or above maxTicketsPerAgent"
		return res
	}

	// LEAST_TICKETS: fewest open tickets wins, ties broken by ascending id.
	sort.Slice(candidateIDs, func(i, j int) bool {
		ci, cj := counts[candidateIDs[i]], counts[candidateIDs[j]]
		if ci != cj {
			return ci < cj
		}
		return candidateIDs[i] < candidateIDs[j]
	})
	selected := candidateIDs[0]

	if err := e.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", rc.Ticket.ID).
		Updates(map[string]interface{}{"agent_id": selected, "last_activity_at": time.Now()}).Error; err != nil {
		res.Status = ActionStatusFailed
		res.Details = fmt.Sprintf("assign agent: %v", err)
		return res
	}

	res.Status = ActionStatusPerformed
	res.Details = "assigned agent " + strconv.FormatUint(uint64(selected), 10)
	return res
}

func (e *ActionExecutor) executeAssignQueue(ctx context.Context, a *AssignQueueAction, rc *RuleContext) ActionResult {
	res := ActionResult{Type: a.Kind()}

	var queue models.Queue
	if err := e.db.WithContext(ctx).First(&queue, a.QueueID).Error; err != nil {
		res.Status = ActionStatusFailed
		if errors.Is(err, gorm.ErrRecordNotFound) {
			res.Details = fmt.Sprintf("%v: %d", ErrQueueNotFound, a.QueueID)
		} else {
			res.Details = fmt.Sprintf("load queue: %v", err)
		}
		return res
	}

	if err := e.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", rc.Ticket.ID).
		Update("queue_id", queue.ID).Error; err != nil {
		res.Status = ActionStatusFailed
		res.Details = fmt.Sprintf("assign queue: %v", err)
		return res
	}

	res.Status = ActionStatusPerformed
	res.Details = "moved to queue " + queue.Name
	return res
}

func (e *ActionExecutor) executeApplyTags(ctx context.Context, a *ApplyTagsAction, rc *RuleContext) ActionResult {
	res := ActionResult{Type: a.Kind()}

	applied := 0
	for _, tagID := range a.TagIDs {
		var tag models.Tag
		if err := e.db.WithContext(ctx).First(&tag, tagID).Error; err != nil {
			res.Status = ActionStatusFailed
			res.Details = fmt.Sprintf("tag %d: %v", tagID, err)
			return res
		}
		link := models.TicketTag{TicketID: rc.Ticket.ID, TagID: tagID}
		result := e.db.WithContext(ctx).
			Where("ticket_id = ? AND tag_id = ?", rc.Ticket.ID, tagID).
			FirstOrCreate(&link)
		if result.Error != nil {
			res.Status = ActionStatusFailed
			res.Details = fmt.Sprintf("apply tag %d: %v", tagID, result.Error)
			return res
		}
		if result.RowsAffected > 0 {
			applied++
		}
	}

	res.Status = ActionStatusPerformed
	res.Details = fmt.Sprintf("applied %d of %d tags (rest already present)", applied, len(a.TagIDs))
	return res
}

func (e *ActionExecutor) executeCloseTicket(ctx context.Context, a *CloseTicketAction, rc *RuleContext) ActionResult {
	res := ActionResult{Type: a.Kind()}

	now := time.Now()
	updates := map[string]interface{}{
		"status":           models.TicketStatusClosed,
		"closed_at":        now,
		"last_activity_at": now,
	}
	if a.Reason != "" {
		updates["close_reason"] = a.Reason
	}
	if err := e.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", rc.Ticket.ID).
		Updates(updates).Error; err != nil {
		res.Status = ActionStatusFailed
		res.Details = fmt.Sprintf("close ticket: %v", err)
		return res
	}

	if a.ApplySurvey && e.surveys != nil {
		// Bounded fire-and-forget: the result channel is available but the
		// engine does not wait on survey dispatch.
		_ = e.surveys.ScheduleSurveyAsync(rc.Ticket.ID)
	}

	res.Status = ActionStatusPerformed
	return res
}

func (e *ActionExecutor) executeTriggerWebhook(ctx context.Context, a *TriggerWebhookAction, rc *RuleContext) ActionResult {
	res := ActionResult{Type: a.Kind()}

	req := &webhook.Request{
		URL:     a.URL,
		Method:  a.Method,
		Headers: a.Headers,
		Body:    renderBodyTemplate(a.BodyTemplate, rc),
	}
	if a.TimeoutMs > 0 {
		req.Timeout = time.Duration(a.TimeoutMs) * time.Millisecond
	}

	delivery, err := e.webhooks.Deliver(ctx, req)
	if err != nil {
		res.Status = ActionStatusFailed
		res.Details = err.Error()
		return res
	}

	res.Status = ActionStatusPerformed
	res.Details = fmt.Sprintf("delivered %s, status %d", delivery.ID, delivery.StatusCode)
	return res
}

// renderBodyTemplate substitutes {{field}} placeholders with context values.
func renderBodyTemplate(tmpl string, rc *RuleContext) string {
	if tmpl == "" {
		return ""
	}
	pairs := []string{
		"{{trigger}}", rc.Trigger,
	}
	if rc.Ticket != nil {
		pairs = append(pairs,
			"{{ticket.id}}", strconv.FormatUint(uint64(rc.Ticket.ID), 10),
			"{{ticket.status}}", rc.Ticket.Status,
			"{{ticket.priority}}", rc.Ticket.Priority,
			"{{ticket.subject}}", rc.Ticket.Subject,
		)
	}
	if rc.Contact != nil {
		pairs = append(pairs,
			"{{contact.id}}", strconv.FormatUint(uint64(rc.Contact.ID), 10),
			"{{contact.name}}", rc.Contact.Name,
			"{{contact.phone}}", rc.Contact.Phone,
			"{{contact.email}}", rc.Contact.Email,
		)
	}
	if rc.Queue != nil {
		pairs = append(pairs,
			"{{queue.id}}", strconv.FormatUint(uint64(rc.Queue.ID), 10),
			"{{queue.name}}", rc.Queue.Name,
		)
	}
	if rc.Message != nil {
		pairs = append(pairs,
			"{{message.id}}", strconv.FormatUint(uint64(rc.Message.ID), 10),
			"{{message.body}}", rc.Message.Body,
		)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
