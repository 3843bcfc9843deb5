package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent's declarative listener/client/NBD-export registry,
// loaded from a YAML file. InitialHandshakeRetryInterval and, when an nbd
// section is present, NBD.Addr and NBD.SizeBytes have environment-variable
// overrides applied on top of whatever the file (or its absence) provides;
// the listener, client and initial-connection lists have none.
type Config struct {
	Listeners          []ListenerConfig    `yaml:"listeners"`
	Clients            []ClientConfig      `yaml:"clients"`
	InitialConnections []InitialConnection `yaml:"initial_connections"`
	NBD                *NBDConfig          `yaml:"nbd"`

	// InitialHandshakeRetryInterval is the minimum time between two
	// InitiateConnection calls the agent runtime makes for the same initial
	// connection. A new call is made only once the target is neither
	// pending nor established (after an RST refused the attempt, or after
	// the connection closed); a REQUEST still awaiting its RESPONSE is not
	// re-sent. It is not a multiplexer
	// timer — the multiplexer itself has none — it lives in the runtime
	// loop that decides when to call InitiateConnection again.
	InitialHandshakeRetryInterval time.Duration `yaml:"initial_handshake_retry_interval"`
}

// ListenerConfig registers a Service at a guest-visible port.
type ListenerConfig struct {
	Port uint32 `yaml:"port"`
	Type string `yaml:"type"` // currently only "echo"
}

// ClientConfig registers a Client at a host-local port.
type ClientConfig struct {
	Port       uint32 `yaml:"port"`
	Type       string `yaml:"type"` // currently only "health"
	TargetHost string `yaml:"target_host"`
	MaxRetries int    `yaml:"max_retries"`
}

// InitialConnection seeds one outbound connection attempt at startup.
type InitialConnection struct {
	ClientPort uint32 `yaml:"client_port"`
	TargetPort uint32 `yaml:"target_port"`
}

// NBDConfig enables the NBD export server as a sibling to the multiplexer.
type NBDConfig struct {
	Addr      string `yaml:"addr"`
	SizeBytes int64  `yaml:"size_bytes"`
}

const defaultHandshakeRetryInterval = 5 * time.Second

// LoadConfig reads and parses a YAML config file at path, then applies
// environment-variable overrides. An empty path is valid: it produces a
// Config with no registrations and no NBD server (the NBD environment
// overrides only apply to an nbd section loaded from a file).
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{InitialHandshakeRetryInterval: defaultHandshakeRetryInterval}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("agent: reading config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("agent: parsing config %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.InitialHandshakeRetryInterval = getEnvDuration(
		"VSOCK_BRIDGE_HANDSHAKE_RETRY_INTERVAL", cfg.InitialHandshakeRetryInterval)

	if cfg.NBD != nil {
		cfg.NBD.Addr = getEnv("VSOCK_BRIDGE_NBD_ADDR", cfg.NBD.Addr)
		cfg.NBD.SizeBytes = int64(getEnvInt("VSOCK_BRIDGE_NBD_SIZE_BYTES", int(cfg.NBD.SizeBytes)))
	}
}
