// Package app provides the main application context for hoist, wiring the
// database, inventory and deployment pipeline from one configuration.
package app

import (
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/oar-cd/hoist/builder"
	"github.com/oar-cd/hoist/config"
	"github.com/oar-cd/hoist/db"
	"github.com/oar-cd/hoist/deploy"
	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/git"
	"github.com/oar-cd/hoist/queue"
	"github.com/oar-cd/hoist/remote"
	"github.com/oar-cd/hoist/repository"
	"github.com/oar-cd/hoist/secrets"
	"github.com/oar-cd/hoist/transport"
)

var (
	// Version is set at build time via -ldflags
	Version = "dev"

	appConfig      *config.Config
	database       *gorm.DB
	inventory      *config.Inventory
	dialer         remote.Dialer
	engine         *docker.Engine
	pipeline       *deploy.Pipeline
	syncer         *git.Syncer
	deploymentRepo repository.DeploymentRepository
	buildJobRepo   repository.BuildJobRepository
)

// InitializeWithConfig initializes the app with a pre-configured Config
func InitializeWithConfig(cfg *config.Config) error {
	appConfig = cfg

	for _, dir := range []string{cfg.DataDir, cfg.WorkspaceDir, cfg.SecretsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	var err error
	database, err = db.InitDB(cfg.DatabasePath)
	if err != nil {
		return err
	}

	inventory, err = config.LoadInventory(cfg.InventoryPath)
	if err != nil {
		return err
	}

	resolver, err := secrets.NewResolver(cfg.SecretsDir, cfg.EncryptionKey)
	if err != nil {
		return err
	}

	engine, err = docker.NewEngine()
	if err != nil {
		return fmt.Errorf("connect to local docker: %w", err)
	}

	deploymentRepo = repository.NewDeploymentRepository(database)
	buildJobRepo = repository.NewBuildJobRepository(database)
	dialer = remote.DefaultDialer{SSH: remote.SSHOptions{DialTimeout: cfg.SSHDialTimeout}}
	syncer = git.NewSyncer(cfg.WorkspaceDir, cfg.GitTimeout)

	pipeline = deploy.NewPipeline(
		dialer,
		builder.New(engine),
		transport.NewPusher(engine),
		resolver,
		deploymentRepo,
		deploy.Settings{
			LockRoot:       cfg.LockRoot,
			LockTTL:        cfg.LockTTL,
			SmokeWindow:    cfg.SmokeWindow,
			MaxConcurrency: cfg.MaxConcurrency,
			Health:         cfg.HealthDefaults(),
		},
	)
	return nil
}

// Close releases the local docker client.
func Close() error {
	if engine != nil {
		return engine.Close()
	}
	return nil
}

func GetConfig() *config.Config {
	return appConfig
}

func GetInventory() *config.Inventory {
	return inventory
}

func GetDialer() remote.Dialer {
	return dialer
}

func GetPipeline() *deploy.Pipeline {
	return pipeline
}

func GetDeploymentRepository() repository.DeploymentRepository {
	return deploymentRepo
}

func GetBuildJobRepository() repository.BuildJobRepository {
	return buildJobRepo
}

// NewBuildRunner returns the runner the webhook build queue executes.
func NewBuildRunner() *deploy.BuildRunner {
	return deploy.NewBuildRunner(pipeline, syncer, inventory, queue.NewStatusReporter(appConfig.GitHubToken))
}

// SetForTesting overrides the collaborators commands resolve through the app.
func SetForTesting(cfg *config.Config, inv *config.Inventory, d remote.Dialer, history repository.DeploymentRepository) {
	appConfig = cfg
	inventory = inv
	dialer = d
	deploymentRepo = history
}

// SetPipelineForTesting allows overriding the deployment pipeline for testing purposes
func SetPipelineForTesting(p *deploy.Pipeline) {
	pipeline = p
}
