// Package sysctl manages the lifecycle of the tunnel daemon through
// systemctl. When systemctl is unavailable the package degrades to a mock
// controller that tracks state in memory, so management flows keep working
// in development environments.
package sysctl

import (
	"context"
	"fmt"

	"github.com/atlasvpn/atlas/internal/common"
	"github.com/atlasvpn/atlas/internal/execx"
	"github.com/atlasvpn/atlas/internal/logging"
)

// Status is the coarse service state reported by the controller.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// Controller drives the tunnel daemon's service unit.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error

	// Enable marks the unit to start at boot; Disable clears the mark.
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error

	// Status reports the current coarse state. An unrecognized state is
	// reported as StatusUnknown with a nil error.
	Status(ctx context.Context) (Status, error)

	// Simulated reports whether this controller only pretends.
	Simulated() bool
}

// New selects a systemd-backed controller when systemctl is on PATH, and a
// mock controller otherwise.
func New(serviceName string, runner *execx.Runner, logger logging.Logger) Controller {
	if execx.LookPath("systemctl") {
		return &SystemdController{service: serviceName, runner: runner, logger: logger}
	}
	logger.Warn(context.Background(), "systemctl not found, service control will be simulated",
		"service", serviceName)
	return NewMockController(serviceName, logger)
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// SystemdController shells out to systemctl for every operation.
type SystemdController struct {
	service string
	runner  commandRunner
	logger  logging.Logger
}

func (c *SystemdController) Start(ctx context.Context) error   { return c.invoke(ctx, "start") }
func (c *SystemdController) Stop(ctx context.Context) error    { return c.invoke(ctx, "stop") }
func (c *SystemdController) Restart(ctx context.Context) error { return c.invoke(ctx, "restart") }
func (c *SystemdController) Enable(ctx context.Context) error  { return c.invoke(ctx, "enable") }
func (c *SystemdController) Disable(ctx context.Context) error { return c.invoke(ctx, "disable") }
func (c *SystemdController) Simulated() bool                   { return false }

func (c *SystemdController) invoke(ctx context.Context, verb string) error {
	if _, err := c.runner.Run(ctx, "systemctl", verb, c.service); err != nil {
		return fmt.Errorf("%w: systemctl %s %s: %v", common.ErrInternal, verb, c.service, err)
	}
	c.logger.Info(ctx, "service state changed", "service", c.service, "action", verb)
	return nil
}

// Status parses `systemctl is-active`, which exits non-zero for any state
// other than active. A recognizable inactive state is not an error.
func (c *SystemdController) Status(ctx context.Context) (Status, error) {
	out, err := c.runner.Run(ctx, "systemctl", "is-active", c.service)
	switch out {
	case "active", "activating":
		return StatusRunning, nil
	case "inactive", "failed", "deactivating":
		return StatusStopped, nil
	}
	if err != nil {
		return StatusUnknown, fmt.Errorf("%w: systemctl is-active %s: %v", common.ErrInternal, c.service, err)
	}
	return StatusUnknown, nil
}
