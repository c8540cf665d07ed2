package repository

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oar-cd/hoist/db"
	"github.com/oar-cd/hoist/domain"
)

// ErrNotFound is returned when no matching record exists.
var ErrNotFound = errors.New("record not found")

type DeploymentRepository interface {
	Create(record *domain.DeploymentRecord) error
	List(filter domain.HistoryFilter) ([]*domain.DeploymentRecord, error)
	// LatestCommitted returns the newest real (not dry-run) committed
	// deployment of app on target.
	LatestCommitted(app, target string) (*domain.DeploymentRecord, error)
}

type deploymentRepository struct {
	db     *gorm.DB
	mapper *DeploymentMapper
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{db: db, mapper: &DeploymentMapper{}}
}

func (r *deploymentRepository) Create(record *domain.DeploymentRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.Trigger == "" {
		record.Trigger = domain.TriggerCLI
	}
	m := r.mapper.ToModel(record)
	if err := r.db.Create(m).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "create_deployment",
			"app", record.Outcome.App,
			"target", record.Outcome.Target,
			"error", err)
		return err
	}
	*record = *r.mapper.ToDomain(m)
	return nil
}

func (r *deploymentRepository) List(filter domain.HistoryFilter) ([]*domain.DeploymentRecord, error) {
	q := r.db.Model(&db.DeploymentModel{})
	if filter.App != "" {
		q = q.Where("app = ?", filter.App)
	}
	if filter.Target != "" {
		q = q.Where("target = ?", filter.Target)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status.String())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []db.DeploymentModel
	if err := q.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	records := make([]*domain.DeploymentRecord, len(models))
	for i := range models {
		records[i] = r.mapper.ToDomain(&models[i])
	}
	return records, nil
}

func (r *deploymentRepository) LatestCommitted(app, target string) (*domain.DeploymentRecord, error) {
	var m db.DeploymentModel
	err := r.db.
		Where("app = ? AND target = ? AND status = ? AND dry_run = ?", app, target, domain.StatusCommitted.String(), false).
		Order("created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.mapper.ToDomain(&m), nil
}

type BuildJobRepository interface {
	// Save inserts the job or updates its state.
	Save(job domain.BuildJob) error
	List(repo string, limit int) ([]*domain.BuildJob, error)
}

type buildJobRepository struct {
	db     *gorm.DB
	mapper *BuildJobMapper
}

func NewBuildJobRepository(db *gorm.DB) BuildJobRepository {
	return &buildJobRepository{db: db, mapper: &BuildJobMapper{}}
}

func (r *buildJobRepository) Save(job domain.BuildJob) error {
	m := r.mapper.ToModel(&job)
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "error", "updated_at"}),
	}).Create(m).Error
	if err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "save_build_job",
			"job", job.ID,
			"error", err)
	}
	return err
}

func (r *buildJobRepository) List(repo string, limit int) ([]*domain.BuildJob, error) {
	q := r.db.Model(&db.BuildJobModel{})
	if repo != "" {
		q = q.Where("repo = ?", repo)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []db.BuildJobModel
	if err := q.Order("enqueued_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	jobs := make([]*domain.BuildJob, len(models))
	for i := range models {
		jobs[i] = r.mapper.ToDomain(&models[i])
	}
	return jobs, nil
}
