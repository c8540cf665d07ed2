package swap

import (
	"context"

	"github.com/oar-cd/hoist/domain"
)

// Strategy is one way of replacing the running instance.
//
// Prepare inspects the target and clears leftovers from interrupted runs
// without touching the serving instance. Start brings up the candidate.
// Promote moves traffic to it. Retire disposes of the previous instance.
// Rollback undoes whatever Start and Promote did.
type Strategy interface {
	Prepare(ctx context.Context) (domain.ArtifactRef, error)
	Start(ctx context.Context) (domain.Slot, error)
	Promote(ctx context.Context) error
	Retire(ctx context.Context) error
	Rollback(ctx context.Context) error
}
