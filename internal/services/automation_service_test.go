package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"convodesk/internal/models"
)

func newTestEngine(t *testing.T, db *gorm.DB) (*AutomationService, *TicketService) {
	t.Helper()
	logger := quietLogger()
	tickets := NewTicketService(db, logger)
	exec := newTestExecutor(t, db)
	engine := NewAutomationService(db, logger, tickets, exec)
	return engine, tickets
}

func createRule(t *testing.T, engine *AutomationService, req *AutomationRuleRequest) *AutomationRuleView {
	t.Helper()
	rule, err := engine.CreateRule(context.Background(), req)
	if err != nil {
		t.Fatalf("create rule %q: %v", req.Name, err)
	}
	return rule
}

func rawList(items ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, json.RawMessage(it))
	}
	return out
}

func TestRunTrigger_PriorityOrderAndStopOnMatch(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db)

	queue := &models.Queue{Name: "Support"}
	db.Create(queue)
	overflow := &models.Queue{Name: "Overflow"}
	db.Create(overflow)

	// higher priority rule matches, stops processing
	createRule(t, engine, &AutomationRuleRequest{
		Name:        "route-first",
		Trigger:     models.TriggerTicketCreated,
		Priority:    100,
		StopOnMatch: true,
		Actions:     rawList(fmt.Sprintf(`{"type":"assign_queue","queueId":%d}`, queue.ID)),
	})
	createRule(t, engine, &AutomationRuleRequest{
		Name:     "route-second",
		Trigger:  models.TriggerTicketCreated,
		Priority: 10,
		Actions:  rawList(fmt.Sprintf(`{"type":"assign_queue","queueId":%d}`, overflow.ID)),
	})

	ticket := seedTicket(t, db, nil)
	summary, err := engine.RunTrigger(context.Background(), models.TriggerTicketCreated, ticket.ID, 0)
	if err != nil {
		t.Fatalf("run trigger: %v", err)
	}

	if len(summary.Results) != 1 {
		t.Fatalf("stop-on-match should halt after the first rule, got %d results", len(summary.Results))
	}
	first := summary.Results[0]
	assert.Equal(t, "route-first", first.RuleName)
	assert.Equal(t, models.RunStatusSuccess, first.Status)
	assert.True(t, first.StopProcessing)

	var got models.Ticket
	db.First(&got, ticket.ID)
	if got.QueueID == nil || *got.QueueID != queue.ID {
		t.Fatalf("expected queue %d from the winning rule, got %v", queue.ID, got.QueueID)
	}
}

func TestRunTrigger_EmptyConditionsAlwaysMatch(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db)

	createRule(t, engine, &AutomationRuleRequest{
		Name:    "always",
		Trigger: models.TriggerTicketCreated,
		Actions: rawList(`{"type":"close_ticket","reason":"auto"}`),
	})

	ticket := seedTicket(t, db, nil)
	summary, err := engine.RunTrigger(context.Background(), models.TriggerTicketCreated, ticket.ID, 0)
	if err != nil {
		t.Fatalf("run trigger: %v", err)
	}
	assert.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].Matched)
	assert.Equal(t, models.RunStatusSuccess, summary.Results[0].Status)
}

func TestRunTrigger_SkippedAndEvaluationFailure(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db)

	// message_body_contains on a TICKET_CREATED run has no message: hard failure
	createRule(t, engine, &AutomationRuleRequest{
		Name:       "needs-message",
		Trigger:    models.TriggerTicketCreated,
		Priority:   20,
		Conditions: rawList(`{"type":"message_body_contains","keywords":["refund"]}`),
		Actions:    rawList(`{"type":"close_ticket"}`),
	})
	// plain non-matching rule: skipped
	createRule(t, engine, &AutomationRuleRequest{
		Name:       "closed-only",
		Trigger:    models.TriggerTicketCreated,
		Priority:   10,
		Conditions: rawList(`{"type":"ticket_status","statuses":["closed"]}`),
		Actions:    rawList(`{"type":"close_ticket"}`),
	})

	ticket := seedTicket(t, db, nil)
	summary, err := engine.RunTrigger(context.Background(), models.TriggerTicketCreated, ticket.ID, 0)
	if err != nil {
		t.Fatalf("run trigger: %v", err)
	}
	if len(summary.Results) != 2 {
		t.Fatalf("a failing rule must not abort the run, got %d results", len(summary.Results))
	}
	assert.Equal(t, models.RunStatusFailed, summary.Results[0].Status)
	assert.NotEmpty(t, summary.Results[0].Error)
	assert.Equal(t, models.RunStatusSkipped, summary.Results[1].Status)

	// ticket untouched
	var got models.Ticket
	db.First(&got, ticket.ID)
	assert.Equal(t, models.TicketStatusOpen, got.Status)

	// one audit entry per evaluated rule
	var logs []models.AutomationLog
	db.Order("id ASC").Find(&logs)
	if len(logs) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(logs))
	}
	assert.Equal(t, models.RunStatusFailed, logs[0].Status)
	assert.Equal(t, "needs-message", logs[0].RuleName)
	assert.Equal(t, models.RunStatusSkipped, logs[1].Status)
}

func TestRunTrigger_ActionFailureMarksRuleFailed(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db)

	tag := &models.Tag{Name: "vip"}
	db.Create(tag)

	// first action fails (missing queue), sibling still runs
	createRule(t, engine, &AutomationRuleRequest{
		Name:    "half-broken",
		Trigger: models.TriggerTicketCreated,
		Actions: rawList(
			`{"type":"assign_queue","queueId":999}`,
			fmt.Sprintf(`{"type":"apply_tags","tagIds":[%d]}`, tag.ID),
		),
	})

	ticket := seedTicket(t, db, nil)
	summary, err := engine.RunTrigger(context.Background(), models.TriggerTicketCreated, ticket.ID, 0)
	if err != nil {
		t.Fatalf("run trigger: %v", err)
	}

	result := summary.Results[0]
	assert.True(t, result.Matched)
	assert.Equal(t, models.RunStatusFailed, result.Status)
	if len(result.Actions) != 2 {
		t.Fatalf("both actions must report, got %d", len(result.Actions))
	}
	assert.Equal(t, ActionStatusFailed, result.Actions[0].Status)
	assert.Equal(t, ActionStatusPerformed, result.Actions[1].Status)

	var count int64
	db.Model(&models.TicketTag{}).Where("ticket_id = ?", ticket.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestMessageReceived_EndToEnd(t *testing.T) {
	db := newTestDB(t)
	engine, tickets := newTestEngine(t, db)
	dispatcher := NewAutomationDispatcher(engine, quietLogger())
	tickets.SetDispatcher(dispatcher)

	urgent := &models.Tag{Name: "urgent"}
	db.Create(urgent)

	createRule(t, engine, &AutomationRuleRequest{
		Name:       "tag-urgent",
		Trigger:    models.TriggerMessageReceived,
		Conditions: rawList(`{"type":"message_body_contains","keywords":["urgente"]}`),
		Actions:    rawList(fmt.Sprintf(`{"type":"apply_tags","tagIds":[%d]}`, urgent.ID)),
	})

	ticket := seedTicket(t, db, nil)
	if _, err := tickets.IngestMessage(context.Background(), ticket.ID, &MessageCreateRequest{Body: "Isto é URGENTE!"}); err != nil {
		t.Fatalf("ingest message: %v", err)
	}

	var count int64
	db.Model(&models.TicketTag{}).Where("ticket_id = ? AND tag_id = ?", ticket.ID, urgent.ID).Count(&count)
	if count != 1 {
		t.Fatal("expected the urgent tag to be applied through the dispatcher")
	}

	var log models.AutomationLog
	if err := db.Where("rule_name = ?", "tag-urgent").First(&log).Error; err != nil {
		t.Fatalf("expected an audit entry: %v", err)
	}
	assert.Equal(t, models.RunStatusSuccess, log.Status)
	assert.Equal(t, models.TriggerMessageReceived, log.Trigger)

	var got models.Ticket
	db.First(&got, ticket.ID)
	assert.Equal(t, 1, got.UnreadMessages)
}

func TestRunTrigger_ContextReloadBetweenRules(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db)

	tag := &models.Tag{Name: "escalated"}
	db.Create(tag)

	// rule 1 closes the ticket; rule 2 only matches closed tickets, so it
	// must see rule 1's effect through the re-read context.
	createRule(t, engine, &AutomationRuleRequest{
		Name:     "closer",
		Trigger:  models.TriggerTicketCreated,
		Priority: 20,
		Actions:  rawList(`{"type":"close_ticket"}`),
	})
	createRule(t, engine, &AutomationRuleRequest{
		Name:       "after-close",
		Trigger:    models.TriggerTicketCreated,
		Priority:   10,
		Conditions: rawList(`{"type":"ticket_status","statuses":["closed"]}`),
		Actions:    rawList(fmt.Sprintf(`{"type":"apply_tags","tagIds":[%d]}`, tag.ID)),
	})

	ticket := seedTicket(t, db, nil)
	summary, err := engine.RunTrigger(context.Background(), models.TriggerTicketCreated, ticket.ID, 0)
	if err != nil {
		t.Fatalf("run trigger: %v", err)
	}

	assert.Len(t, summary.Results, 2)
	assert.Equal(t, models.RunStatusSuccess, summary.Results[0].Status)
	assert.True(t, summary.Results[1].Matched, "second rule must see the close from the first")
	assert.Equal(t, models.RunStatusSuccess, summary.Results[1].Status)
}

func TestRuleCacheInvalidation(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db)

	rule := createRule(t, engine, &AutomationRuleRequest{
		Name:    "cache-me",
		Trigger: models.TriggerTicketCreated,
		Actions: rawList(`{"type":"close_ticket"}`),
	})

	ticket := seedTicket(t, db, nil)
	summary, _ := engine.RunTrigger(context.Background(), models.TriggerTicketCreated, ticket.ID, 0)
	assert.Len(t, summary.Results, 1)

	// deactivate through the service; the cached trigger set must refresh
	if _, err := engine.ToggleRule(context.Background(), rule.ID, false); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	other := seedTicket(t, db, nil)
	summary, _ = engine.RunTrigger(context.Background(), models.TriggerTicketCreated, other.ID, 0)
	if len(summary.Results) != 0 {
		t.Fatalf("deactivated rule must not run, got %d results", len(summary.Results))
	}
}

func TestRunRule_TestHarness(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db)

	inactive := false
	rule := createRule(t, engine, &AutomationRuleRequest{
		Name:     "disabled-but-testable",
		Trigger:  models.TriggerTicketCreated,
		IsActive: &inactive,
		Actions:  rawList(`{"type":"close_ticket","reason":"tested"}`),
	})

	ticket := seedTicket(t, db, nil)
	summary, err := engine.RunRule(context.Background(), rule.ID, ticket.ID, 0)
	if err != nil {
		t.Fatalf("run rule: %v", err)
	}
	assert.Len(t, summary.Results, 1)
	assert.Equal(t, models.RunStatusSuccess, summary.Results[0].Status)

	// the harness performs real actions
	var got models.Ticket
	db.First(&got, ticket.ID)
	assert.Equal(t, models.TicketStatusClosed, got.Status)

	if _, err := engine.RunRule(context.Background(), 999, ticket.ID, 0); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestRuleCRUD_ValidationAndRoundTrip(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db)

	conditions := rawList(`{"type":"ticket_priority","priorities":["high","urgent"]}`)
	actions := rawList(`{"type":"close_ticket","reason":"auto","applySurvey":true}`)

	rule := createRule(t, engine, &AutomationRuleRequest{
		Name:       "round-trip",
		Trigger:    models.TriggerTicketCreated,
		Conditions: conditions,
		Actions:    actions,
	})

	got, err := engine.GetRule(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	// stored condition/action JSON round-trips byte-identically
	assert.JSONEq(t, `[{"type":"ticket_priority","priorities":["high","urgent"]}]`, string(got.Conditions))
	assert.JSONEq(t, `[{"type":"close_ticket","reason":"auto","applySurvey":true}]`, string(got.Actions))

	// unknown variant rejected on create
	_, err = engine.CreateRule(context.Background(), &AutomationRuleRequest{
		Name:       "bad",
		Trigger:    models.TriggerTicketCreated,
		Conditions: rawList(`{"type":"ticket_sentiment","value":"angry"}`),
	})
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}

	// unknown trigger rejected
	_, err = engine.CreateRule(context.Background(), &AutomationRuleRequest{
		Name:    "bad-trigger",
		Trigger: "TICKET_REOPENED",
	})
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule for trigger, got %v", err)
	}

	// partial update keeps untouched fields
	newName := "renamed"
	updated, err := engine.UpdateRule(context.Background(), rule.ID, &AutomationRuleUpdateRequest{Name: &newName})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	assert.Equal(t, "renamed", updated.Name)
	assert.JSONEq(t, string(rule.Conditions), string(updated.Conditions))

	// update with a bad variant rejected
	_, err = engine.UpdateRule(context.Background(), rule.ID, &AutomationRuleUpdateRequest{
		Actions: rawList(`{"type":"send_email"}`),
	})
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}

	// delete keeps the audit log
	ticket := seedTicket(t, db, nil)
	if _, err := engine.RunRule(context.Background(), rule.ID, ticket.ID, 0); err != nil {
		t.Fatalf("run rule: %v", err)
	}
	if err := engine.DeleteRule(context.Background(), rule.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := engine.DeleteRule(context.Background(), rule.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
	var logCount int64
	db.Model(&models.AutomationLog{}).Count(&logCount)
	if logCount == 0 {
		t.Fatal("audit entries must survive rule deletion")
	}
}

func TestListLogs_Filters(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db)
	engine.SetMaxLogLimit(100)

	rule := createRule(t, engine, &AutomationRuleRequest{
		Name:       "match-open",
		Trigger:    models.TriggerTicketCreated,
		Conditions: rawList(`{"type":"ticket_status","statuses":["open"]}`),
	})
	createRule(t, engine, &AutomationRuleRequest{
		Name:       "match-closed",
		Trigger:    models.TriggerTicketCreated,
		Conditions: rawList(`{"type":"ticket_status","statuses":["closed"]}`),
	})

	ticket := seedTicket(t, db, nil)
	if _, err := engine.RunTrigger(context.Background(), models.TriggerTicketCreated, ticket.ID, 0); err != nil {
		t.Fatalf("run trigger: %v", err)
	}

	logs, err := engine.ListLogs(context.Background(), &AutomationLogListRequest{})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	assert.Len(t, logs, 2)

	logs, _ = engine.ListLogs(context.Background(), &AutomationLogListRequest{Status: models.RunStatusSkipped})
	assert.Len(t, logs, 1)
	assert.Equal(t, "match-closed", logs[0].RuleName)

	logs, _ = engine.ListLogs(context.Background(), &AutomationLogListRequest{RuleID: &rule.ID})
	assert.Len(t, logs, 1)
	assert.Equal(t, models.RunStatusSuccess, logs[0].Status)

	logs, _ = engine.ListLogs(context.Background(), &AutomationLogListRequest{Trigger: models.TriggerMessageReceived})
	assert.Len(t, logs, 0)

	logs, _ = engine.ListLogs(context.Background(), &AutomationLogListRequest{Limit: 1})
	assert.Len(t, logs, 1)
}

func TestRunTrigger_PerTicketSerialization(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db)

	var inFlight, maxInFlight int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			m := atomic.LoadInt64(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt64(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	createRule(t, engine, &AutomationRuleRequest{
		Name:    "slow-hook",
		Trigger: models.TriggerTicketCreated,
		Actions: rawList(fmt.Sprintf(`{"type":"trigger_webhook","url":"%s"}`, srv.URL)),
	})

	ticket := seedTicket(t, db, nil)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.RunTrigger(context.Background(), models.TriggerTicketCreated, ticket.ID, 0)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&maxInFlight); got != 1 {
		t.Fatalf("runs for one ticket must serialize, saw %d concurrent webhook calls", got)
	}
}

func TestRunTrigger_UnsupportedTrigger(t *testing.T) {
	db := newTestDB(t)
	engine, _ := newTestEngine(t, db)
	if _, err := engine.RunTrigger(context.Background(), "TICKET_REOPENED", 1, 0); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}
