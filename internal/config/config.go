// Package config loads device-update settings from a ".env" file in the
// project root, overridden by environment variables — the same layering
// the driver package it was adapted from used for its device settings.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DeviceConfig holds the settings needed to locate and talk to a target
// device across both transports.
type DeviceConfig struct {
	HIDVendorID  uint16
	HIDProductID uint16
	HIDPath      string // optional override, used by hidraw-style backends
	SerialPath   string // PS/2 serio device node, e.g. /dev/serio_raw0
	DrvctlPath   string // sysfs drvctl node for serio_raw/psmouse switching

	// ForceSecure, when true, refuses to flash secure firmware onto a
	// secure device unless RSA verification has actually been performed
	// (see internal/rmi/secure.go for the extension point spec.md §9 leaves
	// open). Defaults to true: fail closed.
	ForceSecure bool

	OperationTimeout time.Duration
}

var (
	deviceConfig *DeviceConfig
	configLoaded bool
)

// Default returns the baseline configuration before env/file overrides.
func Default() DeviceConfig {
	return DeviceConfig{
		HIDVendorID:      0x093A,
		HIDProductID:     0x2862,
		SerialPath:       "/dev/serio_raw0",
		DrvctlPath:       "/sys/bus/serio/devices/serio0/drvctl",
		ForceSecure:      true,
		OperationTimeout: 5 * time.Second,
	}
}

// Load reads FWUPD_* environment variables, layered over a ".env" file
// found by walking up from the working directory, layered over Default().
func Load() (*DeviceConfig, error) {
	if deviceConfig != nil && configLoaded {
		return deviceConfig, nil
	}

	cfg := Default()

	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data))
	}

	applyEnv(&cfg)

	deviceConfig = &cfg
	configLoaded = true
	return deviceConfig, nil
}

func applyEnv(cfg *DeviceConfig) {
	if v := os.Getenv("FWUPD_HID_VID"); v != "" {
		if n, err := strconv.ParseUint(v, 0, 16); err == nil {
			cfg.HIDVendorID = uint16(n)
		}
	}
	if v := os.Getenv("FWUPD_HID_PID"); v != "" {
		if n, err := strconv.ParseUint(v, 0, 16); err == nil {
			cfg.HIDProductID = uint16(n)
		}
	}
	if v := os.Getenv("FWUPD_HID_PATH"); v != "" {
		cfg.HIDPath = v
	}
	if v := os.Getenv("FWUPD_SERIAL_PATH"); v != "" {
		cfg.SerialPath = v
	}
	if v := os.Getenv("FWUPD_DRVCTL_PATH"); v != "" {
		cfg.DrvctlPath = v
	}
	if v := os.Getenv("FWUPD_FORCE_SECURE"); v != "" {
		cfg.ForceSecure = v != "0" && !strings.EqualFold(v, "false")
	}
	if v := os.Getenv("FWUPD_OPERATION_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OperationTimeout = time.Duration(n) * time.Millisecond
		}
	}
}

// parseEnvFile seeds the process environment from a ".env" file without
// overwriting variables already set, so applyEnv's os.Getenv lookups pick
// up file-provided values without a second code path.
func parseEnvFile(content string) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
