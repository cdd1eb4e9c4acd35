// Package local implements an in-process session driver. Each session is a
// simulated desktop: a deterministic framebuffer plus cursor and input state.
// It backs single-node deployments and the test suites.
package local

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"deskgrid/internal/model"
	"deskgrid/pkg/faults"
)

const (
	defaultWidth  = 1280
	defaultHeight = 800

	// waitCeiling caps a single wait command so a hostile payload cannot
	// park a session goroutine for minutes.
	waitCeiling = 30 * time.Second
)

// session simulated desktop state
type session struct {
	mu       sync.Mutex
	task     model.TaskConfig
	width    int
	height   int
	cursorX  int
	cursorY  int
	typed    []string
	keys     []string
	revision uint64
}

// Driver in-process session driver
type Driver struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewDriver creates an in-process session driver.
func NewDriver() *Driver {
	return &Driver{sessions: make(map[string]*session)}
}

// Provision creates the simulated session. It is immediate; the ctx is
// honored for interface symmetry with remote drivers.
func (d *Driver) Provision(ctx context.Context, id string, profile model.ResourceProfile, task model.TaskConfig) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrProvision, err)
	}

	width, height := profile.DisplayWidth, profile.DisplayHeight
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.sessions[id]; exists {
		return fmt.Errorf("%w: session %s already exists", faults.ErrProvision, id)
	}
	d.sessions[id] = &session{task: task, width: width, height: height}
	return nil
}

// Perform applies one command to the simulated desktop.
func (d *Driver) Perform(ctx context.Context, id string, cmd *model.ActionCommand) (*model.StepResult, error) {
	s, err := d.session(id)
	if err != nil {
		return nil, err
	}

	if cmd.Kind == model.ActionWait {
		wait := time.Duration(cmd.WaitMS) * time.Millisecond
		if wait > waitCeiling {
			wait = waitCeiling
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Kind {
	case model.ActionClick, model.ActionDoubleClick, model.ActionRightClick:
		if cmd.X >= s.width || cmd.Y >= s.height {
			return &model.StepResult{
				Observation: s.frame(),
				Error:       fmt.Sprintf("coordinates (%d,%d) outside %dx%d display", cmd.X, cmd.Y, s.width, s.height),
			}, nil
		}
		s.cursorX, s.cursorY = cmd.X, cmd.Y
	case model.ActionTypeText:
		s.typed = append(s.typed, cmd.Text)
	case model.ActionPressKey:
		s.keys = append(s.keys, cmd.Key)
	case model.ActionScroll:
		s.cursorX, s.cursorY = cmd.X, cmd.Y
	case model.ActionDrag:
		if cmd.ToX >= s.width || cmd.ToY >= s.height {
			return &model.StepResult{
				Observation: s.frame(),
				Error:       fmt.Sprintf("drag target (%d,%d) outside %dx%d display", cmd.ToX, cmd.ToY, s.width, s.height),
			}, nil
		}
		s.cursorX, s.cursorY = cmd.ToX, cmd.ToY
	case model.ActionWait:
		// state unchanged, frame advances below
	default:
		return nil, fmt.Errorf("%w: unsupported action %q", faults.ErrMalformedAction, cmd.Kind)
	}

	s.revision++
	return &model.StepResult{Success: true, Observation: s.frame()}, nil
}

// Capture returns the current frame without advancing the revision.
func (d *Driver) Capture(ctx context.Context, id string) (*model.Observation, error) {
	s, err := d.session(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obs := s.frame()
	return &obs, nil
}

// Dispose removes the session. Unknown ids are a no-op.
func (d *Driver) Dispose(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
	return nil
}

func (d *Driver) session(id string) (*session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", faults.ErrReplicaUnavailable, id)
	}
	return s, nil
}

// frame renders a deterministic synthetic frame. The payload encodes the
// session dimensions, cursor and revision so tests can assert on progress
// without a real compositor. Caller holds s.mu.
func (s *session) frame() model.Observation {
	data := make([]byte, 8+4*5)
	copy(data, []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a})
	binary.BigEndian.PutUint32(data[8:], uint32(s.width))
	binary.BigEndian.PutUint32(data[12:], uint32(s.height))
	binary.BigEndian.PutUint32(data[16:], uint32(s.cursorX))
	binary.BigEndian.PutUint32(data[20:], uint32(s.cursorY))
	binary.BigEndian.PutUint32(data[24:], uint32(s.revision))
	return model.Observation{Data: data, Format: "png"}
}
