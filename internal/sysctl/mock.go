package sysctl

import (
	"context"
	"sync"

	"github.com/atlasvpn/atlas/internal/logging"
)

// MockController keeps service state in memory and logs every transition.
// It never fails.
type MockController struct {
	service string
	logger  logging.Logger

	mu      sync.Mutex
	running bool
	enabled bool
}

func NewMockController(serviceName string, logger logging.Logger) *MockController {
	return &MockController{service: serviceName, logger: logger}
}

func (c *MockController) Start(ctx context.Context) error {
	return c.transition(ctx, "start", true)
}

func (c *MockController) Stop(ctx context.Context) error {
	return c.transition(ctx, "stop", false)
}

func (c *MockController) Restart(ctx context.Context) error {
	return c.transition(ctx, "restart", true)
}

func (c *MockController) Enable(ctx context.Context) error {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	c.logger.Info(ctx, "simulated service state changed", "service", c.service, "action", "enable")
	return nil
}

func (c *MockController) Disable(ctx context.Context) error {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
	c.logger.Info(ctx, "simulated service state changed", "service", c.service, "action", "disable")
	return nil
}

func (c *MockController) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

func (c *MockController) Simulated() bool { return true }

// Enabled reports the simulated boot-start mark.
func (c *MockController) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *MockController) transition(ctx context.Context, action string, running bool) error {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
	c.logger.Info(ctx, "simulated service state changed", "service", c.service, "action", action)
	return nil
}
