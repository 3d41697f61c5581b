package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyEnvOverridesDefaults(t *testing.T) {
	t.Setenv("FWUPD_HID_VID", "0x1234")
	t.Setenv("FWUPD_HID_PID", "5678")
	t.Setenv("FWUPD_FORCE_SECURE", "0")
	t.Setenv("FWUPD_OPERATION_TIMEOUT_MS", "2500")

	cfg := Default()
	applyEnv(&cfg)

	assert.EqualValues(t, 0x1234, cfg.HIDVendorID)
	assert.EqualValues(t, 5678, cfg.HIDProductID)
	assert.False(t, cfg.ForceSecure)
	assert.Equal(t, 2500*time.Millisecond, cfg.OperationTimeout)
}

func TestApplyEnvLeavesDefaultsWhenUnset(t *testing.T) {
	cfg := Default()
	applyEnv(&cfg)
	assert.Equal(t, Default(), cfg)
}

func TestParseEnvFileDoesNotOverrideAlreadySetVars(t *testing.T) {
	t.Setenv("FWUPD_SERIAL_PATH", "/dev/serio_raw9")
	t.Cleanup(func() { os.Unsetenv("FWUPD_DRVCTL_PATH") })
	parseEnvFile("FWUPD_SERIAL_PATH=/dev/serio_raw0\nFWUPD_DRVCTL_PATH=/sys/bus/serio/devices/serio0/drvctl\n")

	assert.Equal(t, "/dev/serio_raw9", mustGetenv(t, "FWUPD_SERIAL_PATH"))
	assert.Equal(t, "/sys/bus/serio/devices/serio0/drvctl", mustGetenv(t, "FWUPD_DRVCTL_PATH"))
}

func TestParseEnvFileSkipsCommentsAndBlankLines(t *testing.T) {
	t.Cleanup(func() { os.Unsetenv("FWUPD_HID_PATH") })
	parseEnvFile("# a comment\n\nFWUPD_HID_PATH=/dev/hidraw3\n")
	assert.Equal(t, "/dev/hidraw3", mustGetenv(t, "FWUPD_HID_PATH"))
}

func mustGetenv(t *testing.T, key string) string {
	t.Helper()
	v, ok := os.LookupEnv(key)
	if !ok {
		t.Fatalf("expected %s to be set", key)
	}
	return v
}
