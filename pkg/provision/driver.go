// Package provision abstracts how desktop sessions are created and driven.
// The lifecycle manager talks to a SessionDriver; the driver owns the actual
// session backend (in-process simulation or a pod per session).
package provision

import (
	"context"

	"deskgrid/internal/model"
)

// SessionDriver drives one desktop session per replica id. Implementations
// must tolerate Dispose being called for ids they no longer know about.
type SessionDriver interface {
	// Provision creates the session, applies the task baseline and blocks
	// until the session can accept steps or ctx expires.
	Provision(ctx context.Context, id string, profile model.ResourceProfile, task model.TaskConfig) error

	// Perform applies one decoded command and returns its outcome.
	Perform(ctx context.Context, id string, cmd *model.ActionCommand) (*model.StepResult, error)

	// Capture returns the current visual state without mutating the session.
	Capture(ctx context.Context, id string) (*model.Observation, error)

	// Dispose releases the session's resources. Disposing an unknown or
	// already disposed id is a no-op.
	Dispose(ctx context.Context, id string) error
}
