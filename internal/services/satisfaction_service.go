package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"convodesk/internal/models"
)

// SatisfactionService schedules CSAT surveys for closed tickets. The rule
// engine treats it as a fire-and-forget collaborator: a bounded call whose
// outcome never affects the closing action's result.
type SatisfactionService struct {
	db              *gorm.DB
	logger          *logrus.Logger
	dispatchTimeout time.Duration
}

func NewSatisfactionService(db *gorm.DB, logger *logrus.Logger) *SatisfactionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SatisfactionService{
		db:              db,
		logger:          logger,
		dispatchTimeout: 5 * time.Second,
	}
}

// SetDispatchTimeout overrides the bound on async survey scheduling.
func (s *SatisfactionService) SetDispatchTimeout(d time.Duration) {
	if d > 0 {
		s.dispatchTimeout = d
	}
}

// ScheduleSurvey creates a pending tokenized survey for the ticket. A ticket
// with an unanswered survey is not surveyed again.
func (s *SatisfactionService) ScheduleSurvey(ctx context.Context, ticketID uint) (*models.SatisfactionSurvey, error) {
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		return nil, fmt.Errorf("ticket not found: %w", err)
	}

	var existing models.SatisfactionSurvey
	err := s.db.WithContext(ctx).
		Where("ticket_id = ? AND status IN ?", ticketID, []string{models.SurveyStatusPending, models.SurveyStatusSent}).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("check existing survey: %w", err)
	}

	survey := &models.SatisfactionSurvey{
		TicketID: ticketID,
		Token:    uuid.NewString(),
		Status:   models.SurveyStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(survey).Error; err != nil {
		return nil, fmt.Errorf("create survey: %w", err)
	}

	s.logger.Infof("satisfaction: scheduled survey %s for ticket %d", survey.Token, ticketID)
	return survey, nil
}

// ScheduleSurveyAsync schedules the survey in the background, bounded by the
// dispatch timeout. The returned channel carries the single result; callers
// may await it or ignore it.
func (s *SatisfactionService) ScheduleSurveyAsync(ticketID uint) <-chan error {
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.dispatchTimeout)
		defer cancel()
		_, err := s.ScheduleSurvey(ctx, ticketID)
		if err != nil {
			s.logger.Warnf("satisfaction: async survey for ticket %d failed: %v", ticketID, err)
		}
		done <- err
	}()
	return done
}

// RespondSurvey records a customer's answer against an outstanding survey token.
func (s *SatisfactionService) RespondSurvey(ctx context.Context, token string, rating int, comment string) (*models.SatisfactionSurvey, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("rating must be between 1 and 5")
	}

	var survey models.SatisfactionSurvey
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&survey).Error; err != nil {
		return nil, fmt.Errorf("survey not found: %w", err)
	}
	if survey.Status == models.SurveyStatusAnswered {
		return nil, fmt.Errorf("survey already answered")
	}

	now := time.Now()
	survey.Status = models.SurveyStatusAnswered
	survey.Rating = &rating
	survey.Comment = comment
	survey.AnsweredAt = &now
	if err := s.db.WithContext(ctx).Save(&survey).Error; err != nil {
		return nil, fmt.Errorf("save survey response: %w", err)
	}
	return &survey, nil
}
