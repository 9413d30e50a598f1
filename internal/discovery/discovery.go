// Package discovery reads and writes the address-matrix file the
// cluster manager persists at bootstrap so any client can discover
// every shard replica's API address. Shape: one row per shard, one
// column per replica.
package discovery

import (
	"encoding/json"
	"fmt"
	"os"
)

// Matrix is addresses[shard][replica].
type Matrix [][]string

// Save writes matrix to path as a JSON array-of-arrays.
func Save(path string, matrix Matrix) error {
	buf, err := json.MarshalIndent(matrix, "", "  ")
	if err != nil {
		return fmt.Errorf("discovery: marshal matrix: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("discovery: write %s: %w", path, err)
	}
	return nil
}

// Load reads the address matrix previously written by Save.
func Load(path string) (Matrix, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", path, err)
	}
	var m Matrix
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("discovery: unmarshal %s: %w", path, err)
	}
	return m, nil
}

// Flatten returns every address across every shard and replica, in
// matrix order, for the KV client's initial random-pick bootstrap.
func (m Matrix) Flatten() []string {
	var out []string
	for _, shard := range m {
		out = append(out, shard...)
	}
	return out
}
