// Package config loads and merges the gateway's configuration: the JSON
// "mcpServers" upstream document (spec §6), a YAML gateway-settings file,
// and environment-variable overrides bound through viper; CLI flags are not
// bound into the settings. fsnotify watches discovery directories for live
// updates.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/mcp-gateway/internal/gwerrors"
	"github.com/giantswarm/mcp-gateway/internal/model"
	"github.com/giantswarm/mcp-gateway/pkg/logging"
)

// mcpServersDocument is the on-disk shape from spec §6.
type mcpServersDocument struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

type serverEntry struct {
	Command          string            `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	URL              string            `json:"url,omitempty"`
	Transport        string            `json:"transport,omitempty"`
	SSEEndpoint      *string           `json:"sse_endpoint,omitempty"`
	MessagesEndpoint *string           `json:"messages_endpoint,omitempty"`
	Enabled          bool              `json:"enabled,omitempty"`
	TimeoutSeconds   int               `json:"timeout,omitempty"`
	MaxRetries       int               `json:"max_retries,omitempty"`
	Source           string            `json:"source,omitempty"`
}

// LoadUpstreams parses a mcpServers JSON document from disk, producing
// a slice of validated *model.UpstreamConfig entries, each carrying its
// name from the document's map key. Entries produced
// by a discovery scan should call LoadUpstreamsFromBytes with a non-empty
// defaultSource instead.
func LoadUpstreams(path string) ([]*model.UpstreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return LoadUpstreamsFromBytes(data, "")
}

// LoadUpstreamsFromBytes parses raw JSON bytes. When defaultSource is
// non-empty it is stamped on every entry that doesn't already carry one —
// used for discovery-produced documents (spec §6: "the discovery subsystem
// produces entries with this same shape plus a non-empty source tag").
func LoadUpstreamsFromBytes(data []byte, defaultSource string) ([]*model.UpstreamConfig, error) {
	var doc mcpServersDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &gwerrors.ConfigError{Reason: fmt.Sprintf("parse mcpServers document: %v", err)}
	}

	out := make([]*model.UpstreamConfig, 0, len(doc.MCPServers))
	for name, e := range doc.MCPServers {
		source := e.Source
		if source == "" {
			source = defaultSource
		}
		cfg := &model.UpstreamConfig{
			Name:           name,
			Command:        e.Command,
			Args:           e.Args,
			Env:            e.Env,
			URL:            e.URL,
			Transport:      e.Transport,
			Enabled:        e.Enabled,
			TimeoutSeconds: e.TimeoutSeconds,
			MaxRetries:     e.MaxRetries,
			Source:         source,
		}
		sseSet := e.SSEEndpoint != nil
		msgSet := e.MessagesEndpoint != nil
		if sseSet {
			cfg.SSEEndpoint = *e.SSEEndpoint
		}
		if msgSet {
			cfg.MessagesEndpoint = *e.MessagesEndpoint
		}
		cfg.MarkEndpointsExplicit(sseSet, msgSet)

		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// GatewaySettings is the YAML-configurable set of gateway-wide tunables
// (spec §6 "CLI / env"); every field except AllowAutoSession can also be
// overridden by an environment variable.
type GatewaySettings struct {
	Host                string        `mapstructure:"host" yaml:"host"`
	Port                int           `mapstructure:"port" yaml:"port"`
	LogLevel            string        `mapstructure:"log_level" yaml:"log_level"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	ConnectionTimeout   time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries"`
	APIKey              string        `mapstructure:"api_key" yaml:"api_key"`
	AllowAutoSession    bool          `mapstructure:"allow_auto_session" yaml:"allow_auto_session"`
}

func defaultGatewaySettings() GatewaySettings {
	return GatewaySettings{
		Host:                "0.0.0.0",
		Port:                8020,
		LogLevel:            "info",
		HealthCheckInterval: 30 * time.Second,
		ConnectionTimeout:   10 * time.Second,
		MaxRetries:          3,
		AllowAutoSession:    true,
	}
}

// LoadGatewaySettings layers, in increasing priority: built-in defaults, an
// optional YAML file, and GATEWAY_*/LOG_LEVEL/HEALTH_CHECK_INTERVAL/
// CONNECTION_TIMEOUT/MAX_RETRIES/API_KEY environment variables (spec §6).
func LoadGatewaySettings(yamlPath string) (GatewaySettings, error) {
	v := viper.New()
	defaults := defaultGatewaySettings()
	v.SetDefault("host", defaults.Host)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("health_check_interval", defaults.HealthCheckInterval)
	v.SetDefault("connection_timeout", defaults.ConnectionTimeout)
	v.SetDefault("max_retries", defaults.MaxRetries)
	v.SetDefault("allow_auto_session", defaults.AllowAutoSession)

	if yamlPath != "" {
		if _, err := os.Stat(yamlPath); err == nil {
			v.SetConfigFile(yamlPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return GatewaySettings{}, fmt.Errorf("read gateway settings %s: %w", yamlPath, err)
			}
		}
	}

	v.SetEnvPrefix("GATEWAY")
	_ = v.BindEnv("host", "GATEWAY_HOST")
	_ = v.BindEnv("port", "GATEWAY_PORT")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("health_check_interval", "HEALTH_CHECK_INTERVAL")
	_ = v.BindEnv("connection_timeout", "CONNECTION_TIMEOUT")
	_ = v.BindEnv("max_retries", "MAX_RETRIES")
	_ = v.BindEnv("api_key", "API_KEY")

	var settings GatewaySettings
	if err := v.Unmarshal(&settings); err != nil {
		return GatewaySettings{}, fmt.Errorf("unmarshal gateway settings: %w", err)
	}
	return settings, nil
}

// WriteDefaultSettings renders the built-in GatewaySettings defaults as YAML
// and writes them to path, for `config init` to scaffold a starting file a
// user can then edit (teacher's config loader round-trips the same struct
// through gopkg.in/yaml.v3 for its own config.yaml).
func WriteDefaultSettings(path string) error {
	data, err := yaml.Marshal(defaultGatewaySettings())
	if err != nil {
		return fmt.Errorf("marshal default settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default settings %s: %w", path, err)
	}
	return nil
}

// ResolvePort returns the first free TCP port starting at preferred, trying
// up to preferred+span-1 (spec §6: "default 8020 with fallback to the next
// 10 free ports").
func ResolvePort(host string, preferred, span int) (int, error) {
	for p := preferred; p < preferred+span; p++ {
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", p))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			_ = ln.Close()
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free port in [%d, %d) on %s", preferred, preferred+span, host)
}

// DiscoveryWatcher watches one or more discovery directories and invokes
// onChange (typically gateway.RefreshDiscovery, fed through a rescan) once
// for every write, create, remove or rename event; events are not debounced.
type DiscoveryWatcher struct {
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	done    chan struct{}
}

// NewDiscoveryWatcher starts watching the given directories. Missing
// directories are skipped with a warning rather than failing startup —
// editors create their config directories lazily.
func NewDiscoveryWatcher(dirs []string, onChange func()) (*DiscoveryWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create discovery watcher: %w", err)
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			logging.Debug("Config", "discovery dir %s not present, skipping watch", dir)
			continue
		}
		if err := w.Add(dir); err != nil {
			logging.Warn("Config", "watch %s: %v", dir, err)
		}
	}

	dw := &DiscoveryWatcher{watcher: w, done: make(chan struct{})}
	go dw.loop(onChange)
	return dw, nil
}

func (dw *DiscoveryWatcher) loop(onChange func()) {
	defer close(dw.done)
	for {
		select {
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				logging.Debug("Config", "discovery change: %s", event.Name)
				onChange()
			}
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Config", "discovery watch error: %v", err)
		}
	}
}

// Close stops the watcher.
func (dw *DiscoveryWatcher) Close() error {
	err := dw.watcher.Close()
	<-dw.done
	return err
}

// ScanDiscoveryDir reads every *.json file directly inside dir as an
// mcpServers document and merges their entries, stamping source on every
// entry that does not carry its own source tag (spec §6). Files that fail to
// read or parse are logged and skipped.
func ScanDiscoveryDir(dir, source string) ([]*model.UpstreamConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan discovery dir %s: %w", dir, err)
	}

	var out []*model.UpstreamConfig
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Warn("Config", "read discovery file %s: %v", path, err)
			continue
		}
		cfgs, err := LoadUpstreamsFromBytes(data, source)
		if err != nil {
			logging.Warn("Config", "parse discovery file %s: %v", path, err)
			continue
		}
		out = append(out, cfgs...)
	}
	return out, nil
}
