package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"convodesk/internal/models"
)

// AutomationDispatcher bridges domain mutations to the rule engine. Engine
// failures are logged and swallowed: a broken automation must never fail the
// ticket operation that raised the event.
type AutomationDispatcher struct {
	engine *AutomationService
	logger *logrus.Logger
}

func NewAutomationDispatcher(engine *AutomationService, logger *logrus.Logger) *AutomationDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationDispatcher{engine: engine, logger: logger}
}

// TicketCreated fires the TICKET_CREATED trigger for a new ticket.
func (d *AutomationDispatcher) TicketCreated(ctx context.Context, ticketID uint) {
	d.dispatch(ctx, models.TriggerTicketCreated, ticketID, 0)
}

// MessageReceived fires the MESSAGE_RECEIVED trigger for an inbound message.
func (d *AutomationDispatcher) MessageReceived(ctx context.Context, ticketID, messageID uint) {
	d.dispatch(ctx, models.TriggerMessageReceived, ticketID, messageID)
}

// TicketStatusChanged fires the TICKET_STATUS_CHANGED trigger after a status
// transition.
func (d *AutomationDispatcher) TicketStatusChanged(ctx context.Context, ticketID uint) {
	d.dispatch(ctx, models.TriggerTicketStatusChanged, ticketID, 0)
}

func (d *AutomationDispatcher) dispatch(ctx context.Context, trigger string, ticketID, messageID uint) {
	if _, err := d.engine.RunTrigger(ctx, trigger, ticketID, messageID); err != nil {
		d.logger.WithFields(logrus.Fields{
			"trigger":   trigger,
			"ticket_id": ticketID,
		}).Warnf("automation dispatch failed: %v", err)
	}
}
