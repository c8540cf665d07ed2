// Package repository provides data access for deployment and build history.
package repository

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/oar-cd/hoist/db"
	"github.com/oar-cd/hoist/domain"
)

const trailSeparator = ">"

// storedError is an error read back from history: the original message
// with its kind still reachable through errors.Is.
type storedError struct {
	kind error
	msg  string
}

func (e *storedError) Error() string { return e.msg }
func (e *storedError) Unwrap() error { return e.kind }

type DeploymentMapper struct{}

func (m *DeploymentMapper) ToModel(r *domain.DeploymentRecord) *db.DeploymentModel {
	o := r.Outcome
	trail := make([]string, len(o.Trail))
	for i, s := range o.Trail {
		trail[i] = string(s)
	}
	return &db.DeploymentModel{
		BaseModel: db.BaseModel{
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
		},
		Target:            o.Target,
		App:               o.App,
		Status:            o.Status.String(),
		Strategy:          string(r.Strategy),
		HostPorts:         joinPorts(r.Ports.HostPorts),
		ContainerPort:     r.Ports.ContainerPort,
		ErrorKind:         domain.KindName(o.Kind()),
		Error:             o.ErrorMessage(),
		PreviousImage:     o.Previous.Image,
		PreviousImageID:   o.Previous.ID,
		DeployedImage:     o.Deployed.Image,
		DeployedImageID:   o.Deployed.ID,
		RollbackPerformed: o.RollbackPerformed,
		DurationMS:        o.Duration.Milliseconds(),
		Trail:             strings.Join(trail, trailSeparator),
		Plan:              strings.Join(o.Plan, "\n"),
		TriggeredBy:       string(r.Trigger),
		Revision:          r.Revision,
		DryRun:            r.DryRun,
	}
}

func (m *DeploymentMapper) ToDomain(d *db.DeploymentModel) *domain.DeploymentRecord {
	var err error
	if d.Error != "" || d.ErrorKind != "" {
		err = &storedError{kind: domain.KindByName(d.ErrorKind), msg: d.Error}
	}
	var trail []domain.State
	if d.Trail != "" {
		for _, s := range strings.Split(d.Trail, trailSeparator) {
			trail = append(trail, domain.State(s))
		}
	}
	var plan []string
	if d.Plan != "" {
		plan = strings.Split(d.Plan, "\n")
	}
	return &domain.DeploymentRecord{
		ID: d.ID,
		Outcome: domain.Outcome{
			Target:            d.Target,
			App:               d.App,
			Status:            domain.Status(d.Status),
			Err:               err,
			Previous:          domain.ArtifactRef{Image: d.PreviousImage, ID: d.PreviousImageID},
			Deployed:          domain.ArtifactRef{Image: d.DeployedImage, ID: d.DeployedImageID},
			RollbackPerformed: d.RollbackPerformed,
			Duration:          time.Duration(d.DurationMS) * time.Millisecond,
			Trail:             trail,
			Plan:              plan,
		},
		Strategy:  domain.Strategy(d.Strategy),
		Ports:     domain.PortPlan{HostPorts: splitPorts(d.HostPorts), ContainerPort: d.ContainerPort},
		Trigger:   domain.Trigger(d.TriggeredBy),
		Revision:  d.Revision,
		DryRun:    d.DryRun,
		CreatedAt: d.CreatedAt,
	}
}

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func splitPorts(s string) []int {
	if s == "" {
		return nil
	}
	var ports []int
	for _, part := range strings.Split(s, ",") {
		if p, err := strconv.Atoi(part); err == nil {
			ports = append(ports, p)
		}
	}
	return ports
}

type BuildJobMapper struct{}

func (m *BuildJobMapper) ToModel(j *domain.BuildJob) *db.BuildJobModel {
	var msg string
	if j.Err != nil {
		msg = j.Err.Error()
	}
	return &db.BuildJobModel{
		BaseModel:  db.BaseModel{ID: j.ID, CreatedAt: j.EnqueuedAt},
		Repo:       j.Repo,
		Revision:   j.Revision,
		State:      string(j.State),
		Error:      msg,
		EnqueuedAt: j.EnqueuedAt,
	}
}

func (m *BuildJobMapper) ToDomain(b *db.BuildJobModel) *domain.BuildJob {
	var err error
	if b.Error != "" {
		err = errors.New(b.Error)
	}
	return &domain.BuildJob{
		ID:         b.ID,
		Repo:       b.Repo,
		Revision:   b.Revision,
		EnqueuedAt: b.EnqueuedAt,
		State:      domain.JobState(b.State),
		Err:        err,
	}
}
