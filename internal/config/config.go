// Package config holds configuration for both halves of the system: the
// relay reads a YAML file with environment fallback, the client layers
// CLI flags over environment variables over defaults.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// Relay configures the signaling relay process.
type Relay struct {
	ListenAddr string `yaml:"listenAddr"`
	Logging    struct {
		Level  string `yaml:"level"`  // debug|info|warn|error
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
}

// LoadRelay reads the relay config from CONFIG_PATH (default
// ./config/config.yaml). A missing file is not an error; environment
// variables and defaults fill the gaps either way.
func LoadRelay() (*Relay, error) {
	var cfg Relay

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Env-only operation.
	default:
		return nil, err
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	return &cfg, nil
}

// Default client configuration values.
const (
	DefaultServerURL = "ws://localhost:8080/ws"
	DefaultSTUN      = "stun:stun.l.google.com:19302"
)

// Client configures a call client.
type Client struct {
	// ServerURL is the relay websocket endpoint.
	ServerURL string

	DisplayName string

	// ICE servers for the RTC engine.
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// Options carries CLI flag overrides into LoadClient.
type Options struct {
	ServerURL   string
	DisplayName string
	STUNServer  string
	TURNServer  string
	TURNUser    string
	TURNPass    string
}

// LoadClient resolves client configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func LoadClient(opts Options) (*Client, error) {
	serverURL := firstOf(opts.ServerURL, os.Getenv("CONFMESH_SERVER_URL"), DefaultServerURL)
	stun := firstOf(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN)
	turn := firstOf(opts.TURNServer, os.Getenv("TURN_SERVER"))
	turnUser := firstOf(opts.TURNUser, os.Getenv("TURN_USERNAME"))
	turnPass := firstOf(opts.TURNPass, os.Getenv("TURN_PASSWORD"))

	name := firstOf(opts.DisplayName, os.Getenv("CONFMESH_NAME"))
	if name == "" {
		return nil, errors.New("display name is required")
	}

	return &Client{
		ServerURL:   serverURL,
		DisplayName: name,
		STUNServer:  stun,
		TURNServer:  turn,
		TURNUser:    turnUser,
		TURNPass:    turnPass,
	}, nil
}

// ICEServers assembles the engine's NAT traversal configuration.
func (c *Client) ICEServers() []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: []string{c.STUNServer}}}
	if c.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURNServer},
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
