package main

import (
	"log/slog"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/cochaviz/zvmhelper/config"
	"github.com/cochaviz/zvmhelper/internal/zvm"
)

func newFlagCommand(t *testing.T, args ...string) (*cobra.Command, *targetFlags) {
	t.Helper()
	flags := &targetFlags{}
	cmd := &cobra.Command{Use: "test"}
	flags.register(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd, flags
}

func TestTargetFlagsOverrideOnlyGivenValues(t *testing.T) {
	cfg := config.Default()
	cfg.Zvm.Guest = "FROMFILE"
	cfg.Network.IP = "dhcp"
	cfg.Disk.DASD = "0.0.5000"

	cmd, flags := newFlagCommand(t, "--ssh-host", "helper.example.com", "--keep-reader", "--scsi", "0.0.8000,0x500507630400d1e3,0x4000404600000000")
	require.NoError(t, flags.apply(cmd, &cfg))

	assert.Equal(t, "FROMFILE", cfg.Zvm.Guest)
	assert.Equal(t, "dhcp", cfg.Network.IP)
	assert.Equal(t, zvm.SSH, cfg.Zvm.Transport)
	assert.Equal(t, "helper.example.com", cfg.Zvm.SSH.Host)
	assert.False(t, cfg.Zvm.ShouldClearReader())
	assert.Empty(t, cfg.Disk.DASD)
	assert.Equal(t, "0.0.8000,0x500507630400d1e3,0x4000404600000000", cfg.Disk.SCSI)
}

func TestTargetFlagsExplicitTransportWins(t *testing.T) {
	cfg := config.Default()
	cmd, flags := newFlagCommand(t, "--transport", "local", "--ssh-host", "helper", "--nameserver", "10.0.0.1", "--nameserver", "10.0.0.2")
	require.NoError(t, flags.apply(cmd, &cfg))

	assert.Equal(t, zvm.Local, cfg.Zvm.Transport)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Network.Nameservers)
}

func TestTargetFlagsRejectInvalidValues(t *testing.T) {
	cfg := config.Default()
	cmd, flags := newFlagCommand(t, "--concurrency", "-1")
	assert.Error(t, flags.apply(cmd, &cfg))
}

func TestParseLogLevel(t *testing.T) {
	for value, want := range map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "err": slog.LevelError} {
		got, err := parseLogLevel(value)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := parseLogLevel("trace")
	assert.Error(t, err)
}
