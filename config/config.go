// Package config loads client and server tunables from TOML files.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Client mirrors client.Config's tunables in a file-friendly shape.
type Client struct {
	AckPoolSize      int    `toml:"ack_pool_size"`
	ConnectTimeoutMS int    `toml:"connect_timeout_ms"`
	ServiceName      string `toml:"service_name"`
}

// ConnectTimeout converts ConnectTimeoutMS to a time.Duration.
func (c Client) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// Server mirrors server.Config's tunables in a file-friendly shape.
type Server struct {
	ServiceName string `toml:"service_name"`
	MaxClients  int    `toml:"max_clients"`
	AckPoolSize int    `toml:"ack_pool_size"`
}

// LoadClient decodes a client configuration from path, applying defaults
// for any fields the file does not set.
func LoadClient(path string) (Client, error) {
	cfg := Client{AckPoolSize: 64, ConnectTimeoutMS: 2000}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Client{}, fmt.Errorf("config: decode client config %q: %w", path, err)
	}
	if cfg.ServiceName == "" {
		return Client{}, fmt.Errorf("config: %q: service_name is required", path)
	}
	return cfg, nil
}

// LoadServer decodes a server configuration from path, applying
// defaults for any fields the file does not set.
func LoadServer(path string) (Server, error) {
	cfg := Server{MaxClients: 100, AckPoolSize: 256}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Server{}, fmt.Errorf("config: decode server config %q: %w", path, err)
	}
	if cfg.ServiceName == "" {
		return Server{}, fmt.Errorf("config: %q: service_name is required", path)
	}
	return cfg, nil
}
