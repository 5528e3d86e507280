package mcp

import (
	"encoding/json"
	"fmt"
	"os"
)

// serversFile mirrors the conventional mcpServers config document.
type serversFile struct {
	Servers map[string]serverEntry `json:"mcpServers"`
}

type serverEntry struct {
	Transport   string            `json:"transport,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	AutoApprove []string          `json:"autoApprove,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
}

// LoadServers reads a JSON server-definition file. A url without an explicit
// transport implies streamable HTTP; a command implies stdio.
func LoadServers(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config %q: %w", path, err)
	}
	var file serversFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse mcp config %q: %w", path, err)
	}

	servers := make(map[string]ServerConfig, len(file.Servers))
	for name, entry := range file.Servers {
		cfg := ServerConfig{
			Transport:   TransportType(entry.Transport),
			Command:     entry.Command,
			Args:        entry.Args,
			Env:         entry.Env,
			URL:         entry.URL,
			Headers:     entry.Headers,
			AutoApprove: entry.AutoApprove,
			Disabled:    entry.Disabled,
		}
		if cfg.Transport == "" {
			if cfg.URL != "" {
				cfg.Transport = TransportStreamableHTTP
			} else {
				cfg.Transport = TransportStdio
			}
		}
		servers[name] = cfg
	}
	return servers, nil
}
