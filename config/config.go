// Package config handles jitserver.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chazu/jitserver/client"
	"github.com/chazu/jitserver/server"
	"github.com/chazu/jitserver/vm"
	"github.com/chazu/jitserver/vm/dist"
)

// FileName is the name of the configuration file.
const FileName = "jitserver.toml"

// Config represents a jitserver.toml configuration.
type Config struct {
	Client Client `toml:"client"`
	Server Server `toml:"server"`
	VM     VM     `toml:"vm"`
	Log    Log    `toml:"log"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// Client configures the compiling side.
type Client struct {
	ServerURL      string   `toml:"server-url"`
	Protocol       string   `toml:"protocol"`
	Compression    string   `toml:"compression"`
	CompileThreads int      `toml:"compile-threads"`
	QueueSize      int      `toml:"queue-size"`
	TimeoutMS      int      `toml:"timeout-ms"`
	RetryBackoffMS int      `toml:"retry-backoff-ms"`
	MaxBackoffMS   int      `toml:"max-backoff-ms"`
	PerCompilation bool     `toml:"per-compilation-connection"`
	Features       []string `toml:"features"`
	UseAOT         bool     `toml:"use-aot"`
}

// Server configures the compile service.
type Server struct {
	Listen          string   `toml:"listen"`
	MaxConcurrent   int      `toml:"max-concurrent"`
	SnapshotCache   int      `toml:"snapshot-cache"`
	SessionTTLSec   int      `toml:"session-ttl-sec"`
	BanThreshold    int      `toml:"ban-threshold"`
	BanMinutes      int      `toml:"ban-minutes"`
	AllowedFeatures []string `toml:"allowed-features"`
	DeniedFeatures  []string `toml:"denied-features"`
	MaxBytecode     int      `toml:"max-bytecode"`
}

// VM configures the client program state.
type VM struct {
	CodeCacheBytes    int  `toml:"code-cache-bytes"`
	DataCacheBytes    int  `toml:"data-cache-bytes"`
	DeadlockDetection bool `toml:"deadlock-detection"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = "http://localhost:7707"
	}
	if c.Client.Protocol == "" {
		c.Client.Protocol = client.ProtocolConnect
	}
	if c.Client.CompileThreads <= 0 {
		c.Client.CompileThreads = 1
	}
	if c.Client.QueueSize <= 0 {
		c.Client.QueueSize = 100
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":7707"
	}
	if c.Server.MaxConcurrent <= 0 {
		c.Server.MaxConcurrent = server.DefaultMaxConcurrent
	}
	if c.Server.SnapshotCache <= 0 {
		c.Server.SnapshotCache = server.DefaultSnapshotCacheSize
	}
	if c.Server.SessionTTLSec <= 0 {
		c.Server.SessionTTLSec = int(server.DefaultSessionTTL / time.Second)
	}
	if c.VM.CodeCacheBytes <= 0 {
		c.VM.CodeCacheBytes = 4 << 20
	}
	if c.VM.DataCacheBytes <= 0 {
		c.VM.DataCacheBytes = 1 << 20
	}
	if c.Log.Verbosity == 0 {
		c.Log.Verbosity = 1
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	switch c.Client.Protocol {
	case client.ProtocolConnect, client.ProtocolGRPC:
	default:
		return fmt.Errorf("config: client protocol %q is not connect or grpc", c.Client.Protocol)
	}
	switch c.Client.Compression {
	case "", "zstd", "lz4", "gzip":
	default:
		return fmt.Errorf("config: unknown client compression %q", c.Client.Compression)
	}
	return nil
}

// Load parses a jitserver.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a jitserver.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// DialOptions returns the transport settings of the client section.
func (c *Config) DialOptions() client.DialOptions {
	return client.DialOptions{
		Protocol:       c.Client.Protocol,
		Compression:    c.Client.Compression,
		PerCompilation: c.Client.PerCompilation,
	}
}

// CompilerOptions returns the RemoteCompiler settings of the client
// section.
func (c *Config) CompilerOptions() client.Options {
	return client.Options{
		Features:        c.Client.Features,
		UseAOT:          c.Client.UseAOT,
		Timeout:         millis(c.Client.TimeoutMS),
		RetryBackoff:    millis(c.Client.RetryBackoffMS),
		MaxRetryBackoff: millis(c.Client.MaxBackoffMS),
	}
}

// ServerOptions returns the settings of the server section.
func (c *Config) ServerOptions() []server.ServerOption {
	policy := dist.NewPermissivePolicy()
	if len(c.Server.AllowedFeatures) > 0 {
		policy = dist.NewRestrictedPolicy(c.Server.AllowedFeatures)
	}
	for _, f := range c.Server.DeniedFeatures {
		policy.Deny(f)
	}
	return []server.ServerOption{
		server.WithPolicy(policy),
		server.WithBackend(&server.ReferenceBackend{MaxBytecode: c.Server.MaxBytecode}),
		server.WithMaxConcurrent(c.Server.MaxConcurrent),
		server.WithSnapshotCacheSize(c.Server.SnapshotCache),
		server.WithSessionTTL(time.Duration(c.Server.SessionTTLSec) * time.Second),
		server.WithBanThreshold(c.Server.BanThreshold),
		server.WithBanDuration(time.Duration(c.Server.BanMinutes) * time.Minute),
	}
}

// VMOptions returns the settings of the vm section.
func (c *Config) VMOptions() vm.Options {
	return vm.Options{
		CodeCacheSize: c.VM.CodeCacheBytes,
		DataCacheSize: c.VM.DataCacheBytes,
	}
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
