// Package config loads the fleet-shape config file, a key-value text
// file carrying num_clusters and nodes_per_cluster, with spf13/viper.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Fleet is the bootstrap shape the cluster manager reads at startup.
type Fleet struct {
	NumClusters     int `mapstructure:"num_clusters"`
	NodesPerCluster int `mapstructure:"nodes_per_cluster"`
}

// Load reads path as a key = value properties file, whatever its
// extension, into a Fleet, applying defaults of one shard with one
// replica if unset.
func Load(path string) (Fleet, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	v.SetDefault("num_clusters", 1)
	v.SetDefault("nodes_per_cluster", 1)

	if err := v.ReadInConfig(); err != nil {
		return Fleet{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var f Fleet
	if err := v.Unmarshal(&f); err != nil {
		return Fleet{}, fmt.Errorf("config: unmarshaling %s: %w", path, err)
	}
	if f.NumClusters < 1 {
		return Fleet{}, fmt.Errorf("config: num_clusters must be >= 1, got %d", f.NumClusters)
	}
	if f.NodesPerCluster < 1 {
		return Fleet{}, fmt.Errorf("config: nodes_per_cluster must be >= 1, got %d", f.NodesPerCluster)
	}
	return f, nil
}
