package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Seed declares accounts and rooms to create at startup.
//
//	accounts: [alice, bob]
//	rooms:
//	  - name: Weekly Cup
//	    owner: alice
//	    base_amount: "5000"
//	    participants: [bob]
type Seed struct {
	Accounts []string   `yaml:"accounts"`
	Rooms    []SeedRoom `yaml:"rooms"`
}

// SeedRoom is one room of a Seed.
type SeedRoom struct {
	Name         string   `yaml:"name"`
	Owner        string   `yaml:"owner"`
	BaseAmount   string   `yaml:"base_amount"`
	Participants []string `yaml:"participants"`
}

// Base parses the room's base amount.
func (r SeedRoom) Base() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(r.BaseAmount))
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %q: %w", path, err)
	}
	return ParseSeed(body)
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(body []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, r := range s.Rooms {
		if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Owner) == "" {
			return nil, fmt.Errorf("seed room %d: name and owner are required", i)
		}
		base, err := r.Base()
		if err != nil {
			return nil, fmt.Errorf("seed room %q: base_amount: %w", r.Name, err)
		}
		if !base.IsPositive() {
			return nil, fmt.Errorf("seed room %q: base_amount must be positive", r.Name)
		}
	}
	return &s, nil
}
