package services

import (
	"context"
	"testing"

	"convodesk/internal/models"
)

func TestScheduleSurvey_Dedupe(t *testing.T) {
	db := newTestDB(t)
	svc := NewSatisfactionService(db, quietLogger())

	ticket := seedTicket(t, db, nil)

	first, err := svc.ScheduleSurvey(context.Background(), ticket.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if first.Token == "" || first.Status != models.SurveyStatusPending {
		t.Fatalf("unexpected survey: %+v", first)
	}

	second, err := svc.ScheduleSurvey(context.Background(), ticket.ID)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("an outstanding survey must be reused, not duplicated")
	}

	var count int64
	db.Model(&models.SatisfactionSurvey{}).Where("ticket_id = ?", ticket.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 survey, got %d", count)
	}

	if _, err := svc.ScheduleSurvey(context.Background(), 999); err == nil {
		t.Fatal("unknown ticket should error")
	}
}

func TestRespondSurvey(t *testing.T) {
	db := newTestDB(t)
	svc := NewSatisfactionService(db, quietLogger())

	ticket := seedTicket(t, db, nil)
	survey, err := svc.ScheduleSurvey(context.Background(), ticket.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if _, err := svc.RespondSurvey(context.Background(), survey.Token, 0, ""); err == nil {
		t.Fatal("rating below 1 should be rejected")
	}
	if _, err := svc.RespondSurvey(context.Background(), survey.Token, 6, ""); err == nil {
		t.Fatal("rating above 5 should be rejected")
	}
	if _, err := svc.RespondSurvey(context.Background(), "no-such-token", 5, ""); err == nil {
		t.Fatal("unknown token should be rejected")
	}

	answered, err := svc.RespondSurvey(context.Background(), survey.Token, 4, "quick and helpful")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if answered.Status != models.SurveyStatusAnswered || answered.Rating == nil || *answered.Rating != 4 {
		t.Fatalf("unexpected answered survey: %+v", answered)
	}
	if answered.AnsweredAt == nil {
		t.Fatal("answeredAt must be set")
	}

	if _, err := svc.RespondSurvey(context.Background(), survey.Token, 5, ""); err == nil {
		t.Fatal("answering twice should be rejected")
	}
}

func TestAgentService_CountOpenTickets(t *testing.T) {
	db := newTestDB(t)
	svc := NewAgentService(db, quietLogger())

	a := &models.Agent{Name: "A", Email: "a@x.com", IsActive: true}
	b := &models.Agent{Name: "B", Email: "b@x.com", IsActive: true}
	db.Create(a)
	db.Create(b)

	seedTicket(t, db, func(tk *models.Ticket) { tk.AgentID = &a.ID })
	seedTicket(t, db, func(tk *models.Ticket) { tk.AgentID = &a.ID })
	// closed tickets do not count toward load
	seedTicket(t, db, func(tk *models.Ticket) {
		tk.AgentID = &a.ID
		tk.Status = models.TicketStatusClosed
	})

	counts, err := svc.CountOpenTickets(context.Background(), []uint{a.ID, b.ID})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[a.ID] != 2 {
		t.Fatalf("agent a: expected 2 open, got %d", counts[a.ID])
	}
	if got, ok := counts[b.ID]; !ok || got != 0 {
		t.Fatalf("agent b must be present with 0, got %d (present=%v)", got, ok)
	}
}
