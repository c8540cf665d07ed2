package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a BuildJob.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobBuilding   JobState = "building"
	JobSuperseded JobState = "superseded"
	JobDone       JobState = "done"
)

// Repo is an allow-listed source repository for webhook builds.
type Repo struct {
	Name    string         `yaml:"name"`
	URL     string         `yaml:"url"`
	Branch  string         `yaml:"branch"`
	Target  string         `yaml:"target"`
	Env     string         `yaml:"env"`
	Image   string         `yaml:"image"`
	Context string         `yaml:"context"`
	Ports   []int          `yaml:"ports"`
	Auth    *GitAuthConfig `yaml:"auth"`
}

// GitAuthConfig holds credentials for private repositories.
type GitAuthConfig struct {
	HTTPToken     string `yaml:"http_token"`
	SSHKeyFile    string `yaml:"ssh_key_file"`
	SSHUser       string `yaml:"ssh_user"`
	SSHPassphrase string `yaml:"ssh_passphrase"`
}

// BuildJob is one queued build of a repository revision.
type BuildJob struct {
	ID         uuid.UUID
	Repo       string
	Revision   string
	EnqueuedAt time.Time
	State      JobState
	Err        error
}

// NewBuildJob returns a queued job.
func NewBuildJob(repo, revision string) *BuildJob {
	return &BuildJob{
		ID:         uuid.New(),
		Repo:       repo,
		Revision:   revision,
		EnqueuedAt: time.Now(),
		State:      JobQueued,
	}
}
