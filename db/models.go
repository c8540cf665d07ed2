package db

import (
	"time"

	"github.com/google/uuid"
)

type BaseModel struct {
	ID        uuid.UUID `gorm:"type:char(36);primaryKey"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// DeploymentModel is one per-target outcome.
type DeploymentModel struct {
	BaseModel
	Target            string `gorm:"not null;index:idx_deployments_app_target;check:target <> ''"`
	App               string `gorm:"not null;index:idx_deployments_app_target;check:app <> ''"`
	Status            string `gorm:"not null;check:status <> ''"` // committed, rolled_back, fatal
	Strategy          string
	HostPorts         string // comma separated
	ContainerPort     int
	ErrorKind         string
	Error             string `gorm:"type:text"`
	PreviousImage     string
	PreviousImageID   string
	DeployedImage     string
	DeployedImageID   string
	RollbackPerformed bool  `gorm:"not null"`
	DurationMS        int64 `gorm:"not null"`
	Trail             string // states separated by ">"
	Plan              string `gorm:"type:text"` // dry-run commands separated by "\n"
	TriggeredBy       string `gorm:"not null;default:cli"` // cli, webhook, rollback
	Revision          string
	DryRun            bool `gorm:"not null"`
}

func (DeploymentModel) TableName() string {
	return "deployments"
}

// BuildJobModel is one webhook-triggered build.
type BuildJobModel struct {
	BaseModel
	Repo       string `gorm:"not null;index;check:repo <> ''"`
	Revision   string `gorm:"not null"`
	State      string `gorm:"not null;check:state <> ''"` // queued, building, superseded, done
	Error      string `gorm:"type:text"`
	EnqueuedAt time.Time
}

func (BuildJobModel) TableName() string {
	return "build_jobs"
}

type MigrationModel struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"not null;unique"`
	AppliedAt time.Time
}

func (MigrationModel) TableName() string {
	return "migrations"
}
