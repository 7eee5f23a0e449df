// Package network maps chain identifiers onto the configured network names.
package network

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultIDLength is the number of leading chain id characters that identify
// the network family.
const DefaultIDLength = 2

// Chain is one configured chain of a network family.
type Chain struct {
	ChainID string `yaml:"chain_id" json:"chain_id"`
	Name    string `yaml:"name" json:"name"`
}

// Group holds the chains declared under one network key.
type Group struct {
	Network string
	Chains  []Chain
}

// Config is the operator supplied network table. It is decoded from a
// mapping of network key to chain list, keeping declaration order.
type Config []Group

// Default is the table used when no networks are configured.
func Default() Config {
	return Config{
		{Network: "Lisk", Chains: []Chain{
			{ChainID: "00000000", Name: "mainnet"},
			{ChainID: "01000000", Name: "testnet"},
			{ChainID: "04000000", Name: "devnet"},
		}},
	}
}

// UnmarshalYAML decodes a mapping node pair by pair so that order survives.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("networks: expected a mapping, got %s", value.Tag)
	}
	out := make(Config, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var g Group
		if err := value.Content[i].Decode(&g.Network); err != nil {
			return fmt.Errorf("networks: %w", err)
		}
		if err := value.Content[i+1].Decode(&g.Chains); err != nil {
			return fmt.Errorf("networks.%s: %w", g.Network, err)
		}
		out = append(out, g)
	}
	*c = out
	return nil
}

// UnmarshalJSON walks the object tokens so that order survives.
func (c *Config) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("networks: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("networks: expected an object")
	}
	var out Config
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("networks: %w", err)
		}
		key, _ := tok.(string)
		g := Group{Network: key}
		if err := dec.Decode(&g.Chains); err != nil {
			return fmt.Errorf("networks.%s: %w", key, err)
		}
		out = append(out, g)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("networks: %w", err)
	}
	*c = out
	return nil
}

// Chains flattens every group into one list in declaration order.
func (c Config) Chains() []Chain {
	var out []Chain
	for _, g := range c {
		out = append(out, g.Chains...)
	}
	return out
}

// Resolver answers which configured chain a chain id belongs to.
type Resolver struct {
	chains   []Chain
	idLength int
}

func NewResolver(cfg Config, idLength int) *Resolver {
	if idLength <= 0 {
		idLength = DefaultIDLength
	}
	return &Resolver{chains: cfg.Chains(), idLength: idLength}
}

// ResolveByChainID returns the name of the first declared chain whose id
// starts with the network prefix of chainID. Earlier declarations win ties.
func (r *Resolver) ResolveByChainID(chainID string) (string, bool) {
	if chainID == "" {
		return "", false
	}
	prefix := chainID
	if len(prefix) > r.idLength {
		prefix = prefix[:r.idLength]
	}
	for _, ch := range r.chains {
		if strings.HasPrefix(ch.ChainID, prefix) {
			return ch.Name, true
		}
	}
	return "", false
}
