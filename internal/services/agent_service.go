package services

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"convodesk/internal/models"
)

// AgentService is the agent directory the rule engine consults when routing
// tickets: who works which queue, and how loaded each agent currently is.
type AgentService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAgentService(db *gorm.DB, logger *logrus.Logger) *AgentService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AgentService{db: db, logger: logger}
}

// GetActiveAgents returns the active agents among the given ids, ordered by id.
func (s *AgentService) GetActiveAgents(ctx context.Context, ids []uint) ([]models.Agent, error) {
	var agents []models.Agent
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND is_active = ?", ids, true).
		Order("id ASC").
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	return agents, nil
}

// ListQueueAgents returns the active agents assigned to the queue, ordered by id.
func (s *AgentService) ListQueueAgents(ctx context.Context, queueID uint) ([]models.Agent, error) {
	var agents []models.Agent
	if err := s.db.WithContext(ctx).
		Joins("JOIN agent_queues ON agent_queues.agent_id = agents.id").
		Where("agent_queues.queue_id = ? AND agents.is_active = ?", queueID, true).
		Order("agents.id ASC").
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("load queue agents: %w", err)
	}
	return agents, nil
}

// CountOpenTickets returns, per agent id, how many non-closed tickets each
// agent currently holds. Agents with no open tickets are present with count 0.
func (s *AgentService) CountOpenTickets(ctx context.Context, agentIDs []uint) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(agentIDs))
	for _, id := range agentIDs {
		counts[id] = 0
	}

	type row struct {
		AgentID uint
		N       int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Select("agent_id, COUNT(*) AS n").
		Where("agent_id IN ? AND status <> ?", agentIDs, models.TicketStatusClosed).
		Group("agent_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count open tickets: %w", err)
	}
	for _, r := range rows {
		counts[r.AgentID] = r.N
	}
	return counts, nil
}
