// Package config loads the driver's YAML configuration file and
// watches it for hot reload, adapted from the teacher's tenant
// configuration loader to the replica set driver's own fields (spec.md
// C8, ambient configuration).
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/nimbusdb/rsdriver/internal/readpref"
)

// Config is the top-level driver configuration.
type Config struct {
	ReplicaSet ReplicaSetConfig `yaml:"replica_set"`
	Pool       PoolConfig       `yaml:"pool"`
	TLS        TLSConfig        `yaml:"tls"`
	ReadPref   ReadPrefConfig   `yaml:"read_preference"`
	API        APIConfig        `yaml:"api"`
}

// ReplicaSetConfig names the set and its seed list (spec.md §4.1).
type ReplicaSetConfig struct {
	Name  string   `yaml:"name"`
	Seeds []string `yaml:"seeds"`
}

// PoolConfig mirrors internal/pool.Options' tunables.
type PoolConfig struct {
	MaxPoolSize       int           `yaml:"max_pool_size"`
	WaitQueueTimeout  time.Duration `yaml:"wait_queue_timeout"`
	WaitQueueMultiple int           `yaml:"wait_queue_multiple"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	SocketTimeout     time.Duration `yaml:"socket_timeout"`
	IdleCheckAfter    time.Duration `yaml:"idle_check_after"`
}

// TLSConfig names the cert material for member connections. Setting
// CertFile, KeyFile, CAFile or CertReqs implies TLS is wanted even if
// Enabled itself was left false (spec.md §6: "any non-ssl key implies
// ssl=true"); ServerName alone does not enable TLS.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
	// CertReqs mirrors ssl_cert_reqs: "NONE", "OPTIONAL", or "REQUIRED"
	// (case-insensitive). Empty defaults to "REQUIRED" once TLS is
	// enabled (spec.md §6).
	CertReqs string `yaml:"cert_reqs"`
}

// IsEnabled reports whether TLS should be used for member connections:
// explicitly via Enabled, or implied by any other TLS field being set.
func (t TLSConfig) IsEnabled() bool {
	return t.Enabled || t.CertFile != "" || t.KeyFile != "" || t.CAFile != "" || t.CertReqs != ""
}

// CertReqsNormalized upper-cases CertReqs, defaulting an unset value to
// "REQUIRED" (ssl_cert_reqs' own default once TLS is enabled).
func (t TLSConfig) CertReqsNormalized() string {
	v := strings.ToUpper(strings.TrimSpace(t.CertReqs))
	if v == "" {
		return "REQUIRED"
	}
	return v
}

// ReadPrefConfig is the default read preference new requests use when
// the caller doesn't specify one (spec.md glossary "Read preference").
type ReadPrefConfig struct {
	Mode      string   `yaml:"mode"`
	Tags      []map[string]string `yaml:"tags,omitempty"`
	LatencyMs int64    `yaml:"latency_ms"`
}

// APIConfig configures the admin HTTP surface (internal/api).
type APIConfig struct {
	Bind   string `yaml:"bind"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// ParsedMode parses the configured read-preference mode, defaulting to
// SecondaryPreferred when unset or unrecognized.
func (r ReadPrefConfig) ParsedMode() readpref.Mode {
	switch r.Mode {
	case "primary":
		return readpref.Primary
	case "primaryPreferred":
		return readpref.PrimaryPreferred
	case "secondary":
		return readpref.Secondary
	case "nearest":
		return readpref.Nearest
	default:
		return readpref.SecondaryPreferred
	}
}

// TagSets converts the configured tag maps to readpref.TagSets.
func (r ReadPrefConfig) TagSets() readpref.TagSets {
	out := make(readpref.TagSets, 0, len(r.Tags))
	for _, t := range r.Tags {
		out = append(out, readpref.TagSet(t))
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unknown references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution,
// validates it, and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Pool.MaxPoolSize == 0 {
		cfg.Pool.MaxPoolSize = 100
	}
	if cfg.Pool.WaitQueueMultiple == 0 {
		cfg.Pool.WaitQueueMultiple = 10
	}
	if cfg.Pool.ConnectTimeout == 0 {
		cfg.Pool.ConnectTimeout = 20 * time.Second
	}
	if cfg.Pool.IdleCheckAfter == 0 {
		cfg.Pool.IdleCheckAfter = time.Second
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
}

func validate(cfg *Config) error {
	if cfg.ReplicaSet.Name == "" {
		return fmt.Errorf("replica_set.name is required")
	}
	if len(cfg.ReplicaSet.Seeds) == 0 {
		return fmt.Errorf("replica_set.seeds must name at least one host")
	}
	if cfg.TLS.IsEnabled() {
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			return fmt.Errorf("tls requires both cert_file and key_file once enabled")
		}
		if cfg.TLS.CertReqsNormalized() != "NONE" && cfg.TLS.CAFile == "" {
			return fmt.Errorf("tls cert_reqs %q requires ca_file", cfg.TLS.CertReqs)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback
// with the new config, debouncing rapid successive writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
