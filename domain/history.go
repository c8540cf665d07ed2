package domain

import (
	"time"

	"github.com/google/uuid"
)

// Trigger records what started a deployment.
type Trigger string

const (
	TriggerCLI      Trigger = "cli"
	TriggerWebhook  Trigger = "webhook"
	TriggerRollback Trigger = "rollback"
)

// DeploymentRecord is a persisted Outcome.
type DeploymentRecord struct {
	ID       uuid.UUID
	Outcome  Outcome
	Strategy Strategy
	// Ports is kept so a later rollback can rebuild the request.
	Ports     PortPlan
	Trigger   Trigger
	Revision  string
	DryRun    bool
	CreatedAt time.Time
}

// HistoryFilter narrows a history listing. Zero values match everything.
type HistoryFilter struct {
	App    string
	Target string
	// Status restricts the listing to one terminal status.
	Status Status
	Limit  int
}
