// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load.
const (
	EnvConfigPath        = "REGIOND_CONFIG"
	EnvControlSocketPath = "MAAS_IPC_SOCKET_PATH"
	EnvAdminSocketPath   = "MAAS_REGIOND_ADMIN_SOCKET_PATH"
	EnvWorkerCount       = "MAAS_REGIOND_WORKER_COUNT"
	EnvDataPath          = "MAAS_DATA"
)

// Default file names, placed under Paths.Data.
const (
	ControlSocketName = "maas-regiond.sock"
	AdminSocketName   = "maas-regiond-admin.sock"
)

// maxSocketPath is sun_path's capacity minus the terminating NUL.
const maxSocketPath = 107

// Config is the regiond master configuration.
type Config struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	Paths PathsConfig `yaml:"paths"`
	Pool  PoolConfig  `yaml:"pool"`
}

// PathsConfig locates runtime files.
type PathsConfig struct {
	// Data is the runtime data directory. Default ${MAAS_DATA:-/var/lib/maas}.
	Data string `yaml:"data"`

	// ControlSocket is the rendezvous socket workers dial. Default
	// <Data>/maas-regiond.sock.
	ControlSocket string `yaml:"control_socket"`

	// AdminSocket is the operator socket. Default
	// maas-regiond-admin.sock next to ControlSocket.
	AdminSocket string `yaml:"admin_socket"`
}

// PoolConfig sizes and shapes the worker pool.
type PoolConfig struct {
	// WorkerCount is the desired number of workers. Zero means one per
	// logical CPU.
	WorkerCount int `yaml:"worker_count"`

	// WorkerCommand is the executable and argument template used to
	// launch a worker. Arguments may contain {worker_id} and
	// {run_background_tasks}.
	WorkerCommand []string `yaml:"worker_command"`

	// SpawnTimeout bounds how long a launched worker may take to
	// complete its handshake before it is killed and replaced. Zero
	// disables the bound.
	SpawnTimeout time.Duration `yaml:"spawn_timeout"`

	// UpdateInterval is the period of the status report, which also
	// retries slots whose launch failed.
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Paths: PathsConfig{
			Data: "${MAAS_DATA:-/var/lib/maas}",
		},
		Pool: PoolConfig{
			WorkerCommand:  []string{"regiond-worker"},
			UpdateInterval: 60 * time.Second,
		},
	}
}

// Load reads the file named by REGIOND_CONFIG, if set, and then applies
// the environment:
//
//   - MAAS_IPC_SOCKET_PATH overrides paths.control_socket,
//   - MAAS_REGIOND_ADMIN_SOCKET_PATH overrides paths.admin_socket,
//   - MAAS_REGIOND_WORKER_COUNT overrides pool.worker_count,
//   - MAAS_DATA feeds the default paths.data.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(EnvConfigPath), os.LookupEnv)
}

// LoadFile is Load with an explicit file path (the --config flag).
func LoadFile(path string) (*Config, error) {
	return LoadFrom(path, os.LookupEnv)
}

// LoadFrom loads path (skipped when empty) and resolves the result
// against the given environment lookup.
func LoadFrom(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnvironment(lookupEnv); err != nil {
		return nil, err
	}
	cfg.resolve(lookupEnv)
	return cfg, nil
}

// LoadPaths resolves only the socket paths, for clients of a running
// master. Pool settings in the file or environment are not consulted,
// so a value only the master cares about cannot make it fail.
func LoadPaths() (PathsConfig, error) {
	return LoadPathsFrom(os.Getenv(EnvConfigPath), os.LookupEnv)
}

// LoadPathsFrom is LoadPaths with an explicit file and environment.
func LoadPathsFrom(path string, lookupEnv func(string) (string, bool)) (PathsConfig, error) {
	cfg, err := readFile(path)
	if err != nil {
		return PathsConfig{}, err
	}
	cfg.applyPathEnvironment(lookupEnv)
	cfg.resolvePaths(lookupEnv)
	return cfg.Paths, nil
}

// readFile returns the defaults overlaid with path, if path is set.
func readFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnvironment(lookupEnv func(string) (string, bool)) error {
	c.applyPathEnvironment(lookupEnv)
	if value, ok := lookupEnv(EnvWorkerCount); ok && value != "" {
		count, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkerCount, err)
		}
		c.Pool.WorkerCount = count
	}
	return nil
}

func (c *Config) applyPathEnvironment(lookupEnv func(string) (string, bool)) {
	if value, ok := lookupEnv(EnvControlSocketPath); ok && value != "" {
		c.Paths.ControlSocket = value
	}
	if value, ok := lookupEnv(EnvAdminSocketPath); ok && value != "" {
		c.Paths.AdminSocket = value
	}
}

// resolve expands variables and fills derived defaults.
func (c *Config) resolve(lookupEnv func(string) (string, bool)) {
	c.resolvePaths(lookupEnv)
	if c.Pool.WorkerCount == 0 {
		c.Pool.WorkerCount = runtime.NumCPU()
	}
}

func (c *Config) resolvePaths(lookupEnv func(string) (string, bool)) {
	c.Paths.Data = expandVars(c.Paths.Data, lookupEnv)
	c.Paths.ControlSocket = expandVars(c.Paths.ControlSocket, lookupEnv)
	c.Paths.AdminSocket = expandVars(c.Paths.AdminSocket, lookupEnv)

	if c.Paths.ControlSocket == "" {
		c.Paths.ControlSocket = filepath.Join(c.Paths.Data, ControlSocketName)
	}
	if c.Paths.AdminSocket == "" {
		c.Paths.AdminSocket = filepath.Join(filepath.Dir(c.Paths.ControlSocket), AdminSocketName)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. An unset or empty
// variable without a default expands to "".
func expandVars(s string, lookupEnv func(string) (string, bool)) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value, ok := lookupEnv(parts[1]); ok && value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Pool.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("pool.worker_count must be at least 1, got %d", c.Pool.WorkerCount))
	}
	if len(c.Pool.WorkerCommand) == 0 || c.Pool.WorkerCommand[0] == "" {
		errs = append(errs, errors.New("pool.worker_command is required"))
	}
	if c.Pool.SpawnTimeout < 0 {
		errs = append(errs, fmt.Errorf("pool.spawn_timeout must not be negative, got %v", c.Pool.SpawnTimeout))
	}
	if c.Pool.UpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("pool.update_interval must be positive, got %v", c.Pool.UpdateInterval))
	}
	for _, socket := range []struct{ name, path string }{
		{"paths.control_socket", c.Paths.ControlSocket},
		{"paths.admin_socket", c.Paths.AdminSocket},
	} {
		if len(socket.path) > maxSocketPath {
			errs = append(errs, fmt.Errorf("%s %q is %d bytes, limit is %d",
				socket.name, socket.path, len(socket.path), maxSocketPath))
		}
	}
	if c.Paths.ControlSocket == c.Paths.AdminSocket {
		errs = append(errs, fmt.Errorf("paths.control_socket and paths.admin_socket are both %q", c.Paths.ControlSocket))
	}

	return errors.Join(errs...)
}

// ParseLogLevel maps a level name to a slog.Level. The empty string is
// info.
func ParseLogLevel(name string) (slog.Level, error) {
	if name == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", name, err)
	}
	return level, nil
}
