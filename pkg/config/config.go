// Package config loads the YAML configuration of an intersection node.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-intersection/pkg/grouping"
	"github.com/illmade-knight/go-intersection/pkg/transport"
	"gopkg.in/yaml.v3"
)

// Processing modes.
const (
	ModeSingle = "single"
	ModeBatch  = "batch"
)

// Registry backends.
const (
	RegistryNone      = "none"
	RegistryRedis     = "redis"
	RegistryFirestore = "firestore"
)

// Log formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// NodeConfig is the full configuration of a node.
type NodeConfig struct {
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	HTTPPort        string `yaml:"http_port"`
	ProcessName     string `yaml:"process_name"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`

	Input      InputConfig      `yaml:"input"`
	Output     OutputConfig     `yaml:"output"`
	Processing ProcessingConfig `yaml:"processing"`
	Registry   RegistryConfig   `yaml:"registry"`
}

// InputConfig selects where the node receives from. A non-empty Subscription
// selects Pub/Sub; otherwise the node binds a nanomsg PULL socket on Address.
type InputConfig struct {
	Address      string `yaml:"address"`
	Subscription string `yaml:"subscription"`
	Topic        string `yaml:"topic"`
	// Stream is the name under which the input is advertised to upstream nodes.
	Stream string `yaml:"stream"`
	// AdvertiseHost replaces the bound host in the address announced to the
	// registry. Required when Address binds a wildcard host.
	AdvertiseHost string `yaml:"advertise_host"`
}

// OutputConfig describes where results go.
type OutputConfig struct {
	// Stream selects which advertised destinations this node sends to.
	Stream string `yaml:"stream"`
	// Controller is the control plane address.
	Controller string `yaml:"controller"`
	// Destinations is a static destination table, used when no registry is set.
	Destinations []DestinationConfig `yaml:"destinations"`
	// Fallback is the partitioning policy for results without a grouping value.
	Fallback string `yaml:"fallback"`
	// GroupingField is the payload field results are grouped by.
	GroupingField string `yaml:"grouping_field"`
}

// DestinationConfig is one static destination.
type DestinationConfig struct {
	ProcessUUID string `yaml:"process_uuid"`
	ProcessName string `yaml:"process_name"`
	Address     string `yaml:"address"`
}

// ProcessingConfig controls the processing loop.
type ProcessingConfig struct {
	Mode                string        `yaml:"mode"`
	PollTimeout         time.Duration `yaml:"poll_timeout"`
	BatchWait           time.Duration `yaml:"batch_wait"`
	BatchLimit          int           `yaml:"batch_limit"`
	SendControlMessages bool          `yaml:"send_control_messages"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	// FilterField, when set, drops inputs whose payload lacks the field.
	FilterField string `yaml:"filter_field"`
}

// RegistryConfig selects how destinations are discovered and how the node
// advertises itself.
type RegistryConfig struct {
	Backend             string        `yaml:"backend"`
	RedisAddr           string        `yaml:"redis_addr"`
	RedisPassword       string        `yaml:"redis_password"`
	RedisDB             int           `yaml:"redis_db"`
	KeyPrefix           string        `yaml:"key_prefix"`
	FirestoreCollection string        `yaml:"firestore_collection"`
	TTL                 time.Duration `yaml:"ttl"`
	ResyncInterval      time.Duration `yaml:"resync_interval"`
}

// NewNodeConfigDefaults returns a config that runs a single-mode node on a
// free local port with a static, empty topology.
func NewNodeConfigDefaults() *NodeConfig {
	return &NodeConfig{
		LogLevel:  "info",
		LogFormat: LogFormatJSON,
		HTTPPort:  ":8080",
		Input: InputConfig{
			Address: "tcp://127.0.0.1:0",
		},
		Output: OutputConfig{
			Fallback: grouping.PolicyRoundRobin,
		},
		Processing: ProcessingConfig{
			Mode:                ModeSingle,
			PollTimeout:         time.Second,
			BatchWait:           time.Second,
			BatchLimit:          100,
			SendControlMessages: true,
			HeartbeatInterval:   10 * time.Second,
		},
		Registry: RegistryConfig{
			Backend:             RegistryNone,
			RedisAddr:           "localhost:6379",
			KeyPrefix:           "intersection",
			FirestoreCollection: "intersection-registry",
			TTL:                 30 * time.Second,
			ResyncInterval:      30 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses defaults and environment only.
func Load(path string) (*NodeConfig, error) {
	cfg := NewNodeConfigDefaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from INTERSECTION_* variables and REDIS_ADDR.
func (c *NodeConfig) ApplyEnv() error {
	strs := map[string]*string{
		"INTERSECTION_LOG_LEVEL":          &c.LogLevel,
		"INTERSECTION_LOG_FORMAT":         &c.LogFormat,
		"INTERSECTION_HTTP_PORT":          &c.HTTPPort,
		"INTERSECTION_PROCESS_NAME":       &c.ProcessName,
		"INTERSECTION_INPUT_ADDRESS":      &c.Input.Address,
		"INTERSECTION_INPUT_STREAM":       &c.Input.Stream,
		"INTERSECTION_ADVERTISE_HOST":     &c.Input.AdvertiseHost,
		"INTERSECTION_OUTPUT_STREAM":      &c.Output.Stream,
		"INTERSECTION_CONTROL_ADDRESS":    &c.Output.Controller,
		"INTERSECTION_MODE":               &c.Processing.Mode,
		"INTERSECTION_REGISTRY_BACKEND":   &c.Registry.Backend,
		"GCP_PROJECT_ID":                  &c.ProjectID,
		"REDIS_ADDR":                      &c.Registry.RedisAddr,
		"INTERSECTION_GROUPING_FIELD":     &c.Output.GroupingField,
		"INTERSECTION_PARTITION_FALLBACK": &c.Output.Fallback,
	}
	for key, field := range strs {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}

	if v := os.Getenv("INTERSECTION_POLL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: INTERSECTION_POLL_TIMEOUT: %v", ErrInvalid, err)
		}
		c.Processing.PollTimeout = d
	}
	if v := os.Getenv("INTERSECTION_BATCH_WAIT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: INTERSECTION_BATCH_WAIT: %v", ErrInvalid, err)
		}
		c.Processing.BatchWait = d
	}
	if v := os.Getenv("INTERSECTION_BATCH_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: INTERSECTION_BATCH_LIMIT: %v", ErrInvalid, err)
		}
		c.Processing.BatchLimit = n
	}
	if v := os.Getenv("INTERSECTION_SEND_CONTROL_MESSAGES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: INTERSECTION_SEND_CONTROL_MESSAGES: %v", ErrInvalid, err)
		}
		c.Processing.SendControlMessages = b
	}
	return nil
}

// Validate reports the first inconsistency found.
func (c *NodeConfig) Validate() error {
	switch c.LogFormat {
	case LogFormatJSON, LogFormatConsole:
	default:
		return fmt.Errorf("%w: unknown log_format %q", ErrInvalid, c.LogFormat)
	}
	if c.Input.Subscription == "" && c.Input.Address == "" {
		return fmt.Errorf("%w: input needs an address or a subscription", ErrInvalid)
	}
	if c.Input.Subscription != "" && (c.Input.Topic == "" || c.ProjectID == "") {
		return fmt.Errorf("%w: a pubsub input needs topic and project_id", ErrInvalid)
	}
	if _, err := grouping.New(c.Output.Fallback); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for n, d := range c.Output.Destinations {
		if d.Address == "" {
			return fmt.Errorf("%w: destination %d has no address", ErrInvalid, n)
		}
	}

	p := c.Processing
	switch p.Mode {
	case ModeSingle:
	case ModeBatch:
		if p.BatchWait <= 0 || p.BatchLimit <= 0 {
			return fmt.Errorf("%w: batch mode needs a positive batch_wait and batch_limit", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown processing mode %q", ErrInvalid, p.Mode)
	}
	if p.PollTimeout <= 0 {
		return fmt.Errorf("%w: poll_timeout must be positive", ErrInvalid)
	}

	switch c.Registry.Backend {
	case RegistryNone:
	case RegistryRedis:
		if c.Registry.RedisAddr == "" {
			return fmt.Errorf("%w: redis registry needs redis_addr", ErrInvalid)
		}
	case RegistryFirestore:
		if c.ProjectID == "" {
			return fmt.Errorf("%w: firestore registry needs project_id", ErrInvalid)
		}
		if c.Registry.ResyncInterval <= 0 {
			return fmt.Errorf("%w: firestore registry needs a positive resync_interval", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown registry backend %q", ErrInvalid, c.Registry.Backend)
	}
	if c.Registry.Backend != RegistryNone && c.Input.Subscription == "" {
		if _, err := transport.AdvertiseAddress(c.Input.Address, c.Input.AdvertiseHost); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}
