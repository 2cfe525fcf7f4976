package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bank maps the hosts a widget may be embedded on to a bank code.
type Bank struct {
	Code  string   `yaml:"code"`
	Hosts []string `yaml:"hosts"`
}

// Banks is the bank profile file.
type Banks struct {
	Default string `yaml:"default"`
	Banks   []Bank `yaml:"banks"`
}

// DefaultBanks returns the built-in profiles used when no file is configured.
func DefaultBanks() *Banks {
	return &Banks{
		Default: "default",
		Banks: []Bank{
			{Code: "bn", Hosts: []string{"bn.com.pe", "localhost"}},
			{Code: "bcp", Hosts: []string{"viabcp.com"}},
		},
	}
}

// LoadBanks reads a bank profile file. An empty path yields DefaultBanks.
func LoadBanks(path string) (*Banks, error) {
	if path == "" {
		return DefaultBanks(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading banks file: %w", err)
	}
	var b Banks
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("config: parsing banks file %s: %w", path, err)
	}
	if b.Default == "" {
		b.Default = "default"
	}
	for i, bank := range b.Banks {
		if bank.Code == "" {
			return nil, fmt.Errorf("config: banks file %s: entry %d has no code", path, i)
		}
	}
	return &b, nil
}

// CodeFor returns the code of the first bank with a host pattern contained in
// host, or the default code.
func (b *Banks) CodeFor(host string) string {
	host = strings.ToLower(host)
	for _, bank := range b.Banks {
		for _, pattern := range bank.Hosts {
			if pattern != "" && strings.Contains(host, strings.ToLower(pattern)) {
				return bank.Code
			}
		}
	}
	return b.Default
}
