// Package config loads host-side connection settings for the MOTION
// library: USB vendor/product IDs, serial baud rate, command timeouts,
// and the path to the DFU flasher binary.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// HostConfig holds the settings a MOTION host application needs to open
// a transport and supervise DFU updates. Zero values are valid; callers
// fall back to the Default* constants below.
type HostConfig struct {
	VendorID       uint16
	ProductID      uint16
	SerialBaudRate int
	CommandTimeout time.Duration
	DFUFlasherPath string
	PortLeftID     byte
	PortRightID    byte
}

// Defaults grounded in omotion/MotionBulkBase.py and ctrl_if.py.
const (
	DefaultSerialBaudRate        = 115200
	DefaultCommandTimeout        = 2 * time.Second
	DefaultDFUFlasherPath        = "dfu-util"
	DefaultPortLeftID       byte = 2
	DefaultPortRightID      byte = 3
)

var (
	hostConfig   *HostConfig
	configLoaded bool
)

// LoadHostConfig reads a .env file from the project root (if present),
// then lets environment variables override it, then fills in any unset
// fields with defaults. The result is cached for subsequent calls.
func LoadHostConfig() (*HostConfig, error) {
	if hostConfig != nil && configLoaded {
		return hostConfig, nil
	}

	cfg := &HostConfig{}

	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), cfg)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	hostConfig = cfg
	configLoaded = true
	return cfg, nil
}

func parseEnvFile(content string, cfg *HostConfig) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		setField(cfg, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
}

func applyEnvOverrides(cfg *HostConfig) {
	for _, key := range []string{
		"MOTION_VENDOR_ID", "MOTION_PRODUCT_ID", "MOTION_SERIAL_BAUD",
		"MOTION_COMMAND_TIMEOUT_MS", "MOTION_DFU_FLASHER_PATH",
		"MOTION_PORT_LEFT_ID", "MOTION_PORT_RIGHT_ID",
	} {
		if v := os.Getenv(key); v != "" {
			setField(cfg, key, v)
		}
	}
}

func setField(cfg *HostConfig, key, value string) {
	switch key {
	case "MOTION_VENDOR_ID":
		if n, err := strconv.ParseUint(value, 0, 16); err == nil {
			cfg.VendorID = uint16(n)
		}
	case "MOTION_PRODUCT_ID":
		if n, err := strconv.ParseUint(value, 0, 16); err == nil {
			cfg.ProductID = uint16(n)
		}
	case "MOTION_SERIAL_BAUD":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.SerialBaudRate = n
		}
	case "MOTION_COMMAND_TIMEOUT_MS":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.CommandTimeout = time.Duration(n) * time.Millisecond
		}
	case "MOTION_DFU_FLASHER_PATH":
		cfg.DFUFlasherPath = value
	case "MOTION_PORT_LEFT_ID":
		if n, err := strconv.ParseUint(value, 0, 8); err == nil {
			cfg.PortLeftID = byte(n)
		}
	case "MOTION_PORT_RIGHT_ID":
		if n, err := strconv.ParseUint(value, 0, 8); err == nil {
			cfg.PortRightID = byte(n)
		}
	}
}

func applyDefaults(cfg *HostConfig) {
	if cfg.SerialBaudRate == 0 {
		cfg.SerialBaudRate = DefaultSerialBaudRate
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.DFUFlasherPath == "" {
		cfg.DFUFlasherPath = DefaultDFUFlasherPath
	}
	if cfg.PortLeftID == 0 {
		cfg.PortLeftID = DefaultPortLeftID
	}
	if cfg.PortRightID == 0 {
		cfg.PortRightID = DefaultPortRightID
	}
}

func findProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
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
