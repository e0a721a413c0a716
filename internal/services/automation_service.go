package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"convodesk/internal/metrics"
	"convodesk/internal/models"
)

// ErrRuleNotFound is returned when a rule id does not resolve.
var ErrRuleNotFound = errors.New("automation rule not found")

// AutomationService is the rule engine: it stores declarative rules, evaluates
// them in priority order when a trigger fires, executes matched actions, and
// writes one audit log entry per rule evaluated.
type AutomationService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tickets  *TicketService
	executor *ActionExecutor

	cache ruleCache
	locks sync.Map // map[uint]*sync.Mutex, one per ticket id

	feed        *FeedHub
	location    *time.Location
	maxLogLimit int
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, tickets *TicketService, executor *ActionExecutor) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:          db,
		logger:      logger,
		tickets:     tickets,
		executor:    executor,
		location:    time.UTC,
		maxLogLimit: 500,
	}
}

// SetFeed attaches the live run feed. Optional; nil means no broadcasting.
func (s *AutomationService) SetFeed(feed *FeedHub) {
	s.feed = feed
}

// SetLocation sets the default timezone for business_hours conditions without
// an explicit one.
func (s *AutomationService) SetLocation(loc *time.Location) {
	if loc != nil {
		s.location = loc
	}
}

// SetMaxLogLimit caps the audit-log listing page size.
func (s *AutomationService) SetMaxLogLimit(n int) {
	if n > 0 {
		s.maxLogLimit = n
	}
}

// compiledRule carries a rule with its parsed condition/action variants.
// Rules are validated on write, so parseErr is only set when a stored blob
// has been corrupted out-of-band; such a rule evaluates as FAILED.
type compiledRule struct {
	rule       models.AutomationRule
	conditions []Condition
	actions    []Action
	parseErr   error
}

func compileRule(rule models.AutomationRule) compiledRule {
	cr := compiledRule{rule: rule}
	conds, err := ParseConditions(rule.Conditions)
	if err != nil {
		cr.parseErr = fmt.Errorf("conditions: %w", err)
		return cr
	}
	cr.conditions = conds
	actions, err := ParseActions(rule.Actions)
	if err != nil {
		cr.parseErr = fmt.Errorf("actions: %w", err)
		return cr
	}
	cr.actions = actions
	return cr
}

// ruleCache holds compiled active rules per trigger. Definitions are
// read-only during evaluation; CRUD invalidates explicitly.
type ruleCache struct {
	mu        sync.RWMutex
	byTrigger map[string][]compiledRule
}

func (c *ruleCache) get(trigger string) ([]compiledRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rules, ok := c.byTrigger[trigger]
	return rules, ok
}

func (c *ruleCache) set(trigger string, rules []compiledRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byTrigger == nil {
		c.byTrigger = make(map[string][]compiledRule)
	}
	c.byTrigger[trigger] = rules
}

// Invalidate drops every cached trigger set.
func (c *ruleCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTrigger = nil
}

func isSupportedTrigger(trigger string) bool {
	switch trigger {
	case models.TriggerTicketCreated, models.TriggerMessageReceived, models.TriggerTicketStatusChanged:
		return true
	}
	return false
}

// lockTicket serializes automation invocations per ticket id, so two rapid
// events on the same ticket cannot run two rule passes concurrently.
func (s *AutomationService) lockTicket(ticketID uint) func() {
	v, _ := s.locks.LoadOrStore(ticketID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// activeRules returns the compiled active rules for the trigger, highest
// priority first, creation order breaking ties.
func (s *AutomationService) activeRules(ctx context.Context, trigger string) ([]compiledRule, error) {
	if rules, ok := s.cache.get(trigger); ok {
		return rules, nil
	}

	var stored []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("trigger = ? AND is_active = ?", trigger, true).
		Order("priority DESC, id ASC").
		Find(&stored).Error; err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", trigger, err)
	}

	compiled := make([]compiledRule, 0, len(stored))
	for _, rule := range stored {
		compiled = append(compiled, compileRule(rule))
	}
	s.cache.set(trigger, compiled)
	return compiled, nil
}

// RuleRunResult is the outcome of one rule within an invocation.
type RuleRunResult struct {
	RuleID         uint           `json:"rule_id"`
	RuleName       string         `json:"rule_name"`
	Matched        bool           `json:"matched"`
	Status         string         `json:"status"`
	Actions        []ActionResult `json:"actions,omitempty"`
	Error          string         `json:"error,omitempty"`
	StopProcessing bool           `json:"stop_processing,omitempty"`
}

// AutomationRunSummary aggregates one engine invocation.
type AutomationRunSummary struct {
	Trigger     string          `json:"trigger"`
	TicketID    uint            `json:"ticket_id"`
	Results     []RuleRunResult `json:"results"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}

// RunTrigger evaluates every active rule for the trigger against the ticket,
// in priority order, honoring stop-on-match. A rule load failure aborts the
// whole invocation; per-rule evaluation or action failures do not.
func (s *AutomationService) RunTrigger(ctx context.Context, trigger string, ticketID, messageID uint) (*AutomationRunSummary, error) {
	if !isSupportedTrigger(trigger) {
		return nil, fmt.Errorf("%w: unsupported trigger %q", ErrInvalidRule, trigger)
	}

	unlock := s.lockTicket(ticketID)
	defer unlock()

	rules, err := s.activeRules(ctx, trigger)
	if err != nil {
		return nil, err
	}

	summary := &AutomationRunSummary{
		Trigger:     trigger,
		TicketID:    ticketID,
		Results:     []RuleRunResult{},
		EvaluatedAt: time.Now(),
	}

	for _, cr := range rules {
		result := s.runRule(ctx, cr, trigger, ticketID, messageID)
		if result.Matched && cr.rule.StopOnMatch {
			// Short-circuit keys on the condition match alone, not on
			// whether the rule's actions succeeded.
			result.StopProcessing = true
		}
		summary.Results = append(summary.Results, result)
		if result.StopProcessing {
			break
		}
	}

	if s.feed != nil {
		s.feed.BroadcastRun(summary)
	}
	return summary, nil
}

// RunRule evaluates a single named rule against the ticket, bypassing the
// active-rule selection. It is the test-harness entry: the same evaluation
// and execution path, actions included, against live data.
func (s *AutomationService) RunRule(ctx context.Context, ruleID, ticketID, messageID uint) (*AutomationRunSummary, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, ruleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("load rule: %w", err)
	}

	unlock := s.lockTicket(ticketID)
	defer unlock()

	cr := compileRule(rule)
	result := s.runRule(ctx, cr, rule.Trigger, ticketID, messageID)
	if result.Matched && rule.StopOnMatch {
		result.StopProcessing = true
	}

	return &AutomationRunSummary{
		Trigger:     rule.Trigger,
		TicketID:    ticketID,
		Results:     []RuleRunResult{result},
		EvaluatedAt: time.Now(),
	}, nil
}

// runRule evaluates one rule against a freshly loaded context and records the
// audit log entry for it.
func (s *AutomationService) runRule(ctx context.Context, cr compiledRule, trigger string, ticketID, messageID uint) RuleRunResult {
	result := RuleRunResult{RuleID: cr.rule.ID, RuleName: cr.rule.Name}

	rc, err := s.tickets.LoadRuleContext(ctx, trigger, ticketID, messageID)
	if err != nil {
		result.Status = models.RunStatusFailed
		result.Error = fmt.Sprintf("load context: %v", err)
		s.recordLog(ctx, trigger, &cr.rule, result, nil)
		return result
	}
	rc.Location = s.location

	if cr.parseErr != nil {
		result.Status = models.RunStatusFailed
		result.Error = cr.parseErr.Error()
		s.recordLog(ctx, trigger, &cr.rule, result, rc)
		return result
	}

	matched := true
	for _, cond := range cr.conditions {
		ok, err := cond.Evaluate(rc)
		if err != nil {
			result.Status = models.RunStatusFailed
			result.Error = fmt.Sprintf("condition %s: %v", cond.Kind(), err)
			s.recordLog(ctx, trigger, &cr.rule, result, rc)
			return result
		}
		if !ok {
			matched = false
			break
		}
	}

	if !matched {
		result.Status = models.RunStatusSkipped
		s.recordLog(ctx, trigger, &cr.rule, result, rc)
		return result
	}

	result.Matched = true
	failed := false
	for _, act := range cr.actions {
		actionResult := s.executor.Execute(ctx, act, rc)
		result.Actions = append(result.Actions, actionResult)
		if actionResult.Status == ActionStatusFailed {
			failed = true
		}
	}

	if failed {
		result.Status = models.RunStatusFailed
		result.Error = "one or more actions failed"
	} else {
		result.Status = models.RunStatusSuccess
	}
	s.recordLog(ctx, trigger, &cr.rule, result, rc)
	return result
}

// recordLog appends the immutable audit entry for one evaluated rule.
func (s *AutomationService) recordLog(ctx context.Context, trigger string, rule *models.AutomationRule, result RuleRunResult, rc *RuleContext) {
	metrics.IncAutomationRun(result.Status)

	snapshot := map[string]interface{}{}
	if rc != nil && rc.Ticket != nil {
		snapshot["ticket_id"] = rc.Ticket.ID
		snapshot["ticket_status"] = rc.Ticket.Status
		snapshot["ticket_priority"] = rc.Ticket.Priority
		if rc.Ticket.QueueID != nil {
			snapshot["queue_id"] = *rc.Ticket.QueueID
		}
		if rc.Ticket.AgentID != nil {
			snapshot["agent_id"] = *rc.Ticket.AgentID
		}
	}
	if rc != nil && rc.Message != nil {
		snapshot["message_id"] = rc.Message.ID
	}
	if len(result.Actions) > 0 {
		snapshot["actions"] = result.Actions
	}

	message := ""
	if result.Matched {
		message = fmt.Sprintf("matched, %d action(s) executed", len(result.Actions))
	} else if result.Status == models.RunStatusSkipped {
		message = "conditions did not match"
	}

	ruleID := rule.ID
	entry := &models.AutomationLog{
		Trigger:  trigger,
		Status:   result.Status,
		RuleID:   &ruleID,
		RuleName: rule.Name,
		Message:  message,
		Error:    result.Error,
		Context:  encodeJSON(snapshot),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Warnf("automation: record log for rule %d failed: %v", rule.ID, err)
	}
}

// AutomationRuleRequest creates a rule. Conditions and Actions are raw tagged
// variants, validated before the rule is stored.
type AutomationRuleRequest struct {
	Name        string                 `json:"name" binding:"required"`
	Description string                 `json:"description"`
	Trigger     string                 `json:"trigger" binding:"required"`
	Priority    int                    `json:"priority"`
	StopOnMatch bool                   `json:"stop_on_match"`
	IsActive    *bool                  `json:"is_active"`
	Conditions  []json.RawMessage      `json:"conditions"`
	Actions     []json.RawMessage      `json:"actions"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AutomationRuleUpdateRequest partially updates a rule; nil fields are left
// unchanged.
type AutomationRuleUpdateRequest struct {
	Name        *string                `json:"name"`
	Description *string                `json:"description"`
	Trigger     *string                `json:"trigger"`
	Priority    *int                   `json:"priority"`
	StopOnMatch *bool                  `json:"stop_on_match"`
	IsActive    *bool                  `json:"is_active"`
	Conditions  []json.RawMessage      `json:"conditions"`
	Actions     []json.RawMessage      `json:"actions"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AutomationRuleView is the API shape of a rule, with conditions and actions
// as the exact JSON structures that were stored.
type AutomationRuleView struct {
	ID          uint                   `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Trigger     string                 `json:"trigger"`
	IsActive    bool                   `json:"is_active"`
	Priority    int                    `json:"priority"`
	StopOnMatch bool                   `json:"stop_on_match"`
	Conditions  json.RawMessage        `json:"conditions"`
	Actions     json.RawMessage        `json:"actions"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func mapRule(rule models.AutomationRule) *AutomationRuleView {
	return &AutomationRuleView{
		ID:          rule.ID,
		Name:        rule.Name,
		Description: rule.Description,
		Trigger:     rule.Trigger,
		IsActive:    rule.IsActive,
		Priority:    rule.Priority,
		StopOnMatch: rule.StopOnMatch,
		Conditions:  json.RawMessage(rule.Conditions),
		Actions:     json.RawMessage(rule.Actions),
		Metadata:    decodeObject(rule.Metadata),
		CreatedAt:   rule.CreatedAt,
		UpdatedAt:   rule.UpdatedAt,
	}
}

// rawArray re-serializes validated raw variants; each element keeps the exact
// bytes the client sent.
func rawArray(items []json.RawMessage) string {
	if len(items) == 0 {
		return "[]"
	}
	out, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(out)
}

func encodeJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	out, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(out)
}

func decodeObject(raw string) map[string]interface{} {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

// validateVariants parses every raw condition and action, rejecting unknown
// or malformed variants before anything is stored.
func validateVariants(conditions, actions []json.RawMessage) error {
	for _, raw := range conditions {
		if _, err := ParseCondition(raw); err != nil {
			return err
		}
	}
	for _, raw := range actions {
		if _, err := ParseAction(raw); err != nil {
			return err
		}
	}
	return nil
}

// ListRules returns all rules, highest priority first.
func (s *AutomationService) ListRules(ctx context.Context) ([]*AutomationRuleView, error) {
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Order("priority DESC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	views := make([]*AutomationRuleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, mapRule(rule))
	}
	return views, nil
}

// GetRule returns one rule by id.
func (s *AutomationService) GetRule(ctx context.Context, id uint) (*AutomationRuleView, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("load rule: %w", err)
	}
	return mapRule(rule), nil
}

// CreateRule validates and stores a new rule.
func (s *AutomationService) CreateRule(ctx context.Context, req *AutomationRuleRequest) (*AutomationRuleView, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRule)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidRule)
	}
	if !isSupportedTrigger(req.Trigger) {
		return nil, fmt.Errorf("%w: unsupported trigger %q", ErrInvalidRule, req.Trigger)
	}
	if err := validateVariants(req.Conditions, req.Actions); err != nil {
		return nil, err
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	rule := &models.AutomationRule{
		Name:        req.Name,
		Description: req.Description,
		Trigger:     req.Trigger,
		Priority:    req.Priority,
		StopOnMatch: req.StopOnMatch,
		IsActive:    isActive,
		Conditions:  rawArray(req.Conditions),
		Actions:     rawArray(req.Actions),
		Metadata:    encodeJSON(req.Metadata),
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}

	s.cache.Invalidate()
	return mapRule(*rule), nil
}

// UpdateRule applies a partial update after validating any replaced variants.
func (s *AutomationService) UpdateRule(ctx context.Context, id uint, req *AutomationRuleUpdateRequest) (*AutomationRuleView, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRule)
	}

	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("load rule: %w", err)
	}

	if req.Trigger != nil && !isSupportedTrigger(*req.Trigger) {
		return nil, fmt.Errorf("%w: unsupported trigger %q", ErrInvalidRule, *req.Trigger)
	}
	if err := validateVariants(req.Conditions, req.Actions); err != nil {
		return nil, err
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.Trigger != nil {
		rule.Trigger = *req.Trigger
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.StopOnMatch != nil {
		rule.StopOnMatch = *req.StopOnMatch
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if req.Conditions != nil {
		rule.Conditions = rawArray(req.Conditions)
	}
	if req.Actions != nil {
		rule.Actions = rawArray(req.Actions)
	}
	if req.Metadata != nil {
		rule.Metadata = encodeJSON(req.Metadata)
	}

	if err := s.db.WithContext(ctx).Save(&rule).Error; err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}

	s.cache.Invalidate()
	return mapRule(rule), nil
}

// DeleteRule removes a rule. Its audit log entries remain.
func (s *AutomationService) DeleteRule(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, id)
	if result.Error != nil {
		return fmt.Errorf("delete rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	s.cache.Invalidate()
	return nil
}

// ToggleRule flips a rule active or inactive.
func (s *AutomationService) ToggleRule(ctx context.Context, id uint, isActive bool) (*AutomationRuleView, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("load rule: %w", err)
	}

	rule.IsActive = isActive
	if err := s.db.WithContext(ctx).Save(&rule).Error; err != nil {
		return nil, fmt.Errorf("toggle rule: %w", err)
	}

	s.cache.Invalidate()
	return mapRule(rule), nil
}

// AutomationLogListRequest filters the audit log listing.
type AutomationLogListRequest struct {
	RuleID  *uint  `form:"rule_id"`
	Status  string `form:"status"`
	Trigger string `form:"trigger"`
	Limit   int    `form:"limit,default=50"`
}

// ListLogs returns audit entries, newest first.
func (s *AutomationService) ListLogs(ctx context.Context, req *AutomationLogListRequest) ([]models.AutomationLog, error) {
	limit := 50
	if req != nil && req.Limit > 0 {
		limit = req.Limit
	}
	if limit > s.maxLogLimit {
		limit = s.maxLogLimit
	}

	query := s.db.WithContext(ctx).Model(&models.AutomationLog{})
	if req != nil {
		if req.RuleID != nil {
			query = query.Where("rule_id = ?", *req.RuleID)
		}
		if req.Status != "" {
			query = query.Where("status = ?", req.Status)
		}
		if req.Trigger != "" {
			query = query.Where("trigger = ?", req.Trigger)
		}
	}

	var logs []models.AutomationLog
	if err := query.Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return logs, nil
}
