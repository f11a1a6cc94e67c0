package sysctl

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasvpn/atlas/internal/logging"
)

type fakeRunner struct {
	output string
	err    error
	calls  []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	return f.output, f.err
}

func TestSystemdControllerInvoke(t *testing.T) {
	runner := &fakeRunner{}
	c := &SystemdController{service: "openvpn-server@server", runner: runner, logger: logging.NewNop()}

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Restart(context.Background()))
	require.NoError(t, c.Enable(context.Background()))

	assert.Equal(t, []string{
		"systemctl start openvpn-server@server",
		"systemctl restart openvpn-server@server",
		"systemctl enable openvpn-server@server",
	}, runner.calls)
}

func TestSystemdControllerInvokeError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("unit not found")}
	c := &SystemdController{service: "openvpn-server@server", runner: runner, logger: logging.NewNop()}

	err := c.Stop(context.Background())
	assert.ErrorContains(t, err, "systemctl stop")
}

func TestSystemdControllerStatus(t *testing.T) {
	tests := []struct {
		output string
		err    error
		want   Status
	}{
		{output: "active", want: StatusRunning},
		{output: "activating", want: StatusRunning},
		// is-active exits non-zero for anything inactive.
		{output: "inactive", err: errors.New("exit status 3"), want: StatusStopped},
		{output: "failed", err: errors.New("exit status 3"), want: StatusStopped},
		{output: "something-new", want: StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			runner := &fakeRunner{output: tt.output, err: tt.err}
			c := &SystemdController{service: "svc", runner: runner, logger: logging.NewNop()}

			got, err := c.Status(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSystemdControllerStatusError(t *testing.T) {
	runner := &fakeRunner{output: "", err: errors.New("timed out")}
	c := &SystemdController{service: "svc", runner: runner, logger: logging.NewNop()}

	got, err := c.Status(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusUnknown, got)
}

func TestMockControllerLifecycle(t *testing.T) {
	c := NewMockController("svc", logging.NewNop())
	ctx := context.Background()

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)

	require.NoError(t, c.Start(ctx))
	status, _ = c.Status(ctx)
	assert.Equal(t, StatusRunning, status)

	require.NoError(t, c.Restart(ctx))
	status, _ = c.Status(ctx)
	assert.Equal(t, StatusRunning, status)

	require.NoError(t, c.Stop(ctx))
	status, _ = c.Status(ctx)
	assert.Equal(t, StatusStopped, status)

	assert.True(t, c.Simulated())
}

func TestMockControllerEnableDisable(t *testing.T) {
	c := NewMockController("svc", logging.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Enable(ctx))
	assert.True(t, c.Enabled())

	require.NoError(t, c.Disable(ctx))
	assert.False(t, c.Enabled())
}
