// Package config registers and resolves the shard engine's runtime
// configuration flags, grounded on the teacher's cobra/viper flag
// registration pattern.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oasisprotocol/shardstore/shard/api"
	"github.com/oasisprotocol/shardstore/shard/shard"
)

const (
	cfgTranslogDurability       = "index.translog.durability"
	cfgFlushThresholdSize       = "index.translog.flush_threshold_size"
	cfgGenerationThresholdSize  = "index.translog.generation_threshold_size"
	cfgRefreshInterval          = "index.refresh_interval"
	cfgSearchIdleAfter          = "index.search_idle_after"
	cfgPriority                 = "index.priority"
	cfgDataPath                 = "index.data_path"
)

// RegisterFlags registers every shard configuration flag with cmd and binds
// them into viper, following the teacher's RegisterFlags convention.
func RegisterFlags(cmd *cobra.Command) {
	if !cmd.Flags().Parsed() {
		cmd.Flags().String(cfgTranslogDurability, "request", "Translog fsync policy: request or async")
		cmd.Flags().String(cfgFlushThresholdSize, "512mb", "Uncommitted translog size that triggers a periodic flush")
		cmd.Flags().String(cfgGenerationThresholdSize, "64mb", "Translog generation size that triggers a roll")
		cmd.Flags().Duration(cfgRefreshInterval, time.Second, "Scheduled refresh interval, a negative duration (e.g. -1s) disables it")
		cmd.Flags().Duration(cfgSearchIdleAfter, 30*time.Second, "Idle duration after which a shard stops scheduled refreshes")
		cmd.Flags().Int(cfgPriority, 1, "Relative recovery priority hint")
		cmd.Flags().String(cfgDataPath, "", "Root directory for shard data")
	}

	for _, v := range []string{
		cfgTranslogDurability,
		cfgFlushThresholdSize,
		cfgGenerationThresholdSize,
		cfgRefreshInterval,
		cfgSearchIdleAfter,
		cfgPriority,
		cfgDataPath,
	} {
		_ = viper.BindPFlag(v, cmd.Flags().Lookup(v))
	}
}

// Priority returns the configured recovery priority hint. Nothing in this
// module reads it; recoveries are not ordered by it.
func Priority() int {
	return viper.GetInt(cfgPriority)
}

// ShardConfig resolves the bound viper flags into a shard.Config for id,
// rooted under viper's configured data path.
func ShardConfig(id api.ShardID) (shard.Config, error) {
	durability, err := parseDurability(viper.GetString(cfgTranslogDurability))
	if err != nil {
		return shard.Config{}, err
	}

	refreshInterval := viper.GetDuration(cfgRefreshInterval)
	if refreshInterval < 0 {
		refreshInterval = -1
	}

	return shard.Config{
		ID:                       id,
		DataPath:                 viper.GetString(cfgDataPath),
		Durability:               durability,
		FlushThresholdSizeBytes:  int64(viper.GetSizeInBytes(cfgFlushThresholdSize)),
		GenerationThresholdBytes: int64(viper.GetSizeInBytes(cfgGenerationThresholdSize)),
		RefreshInterval:          refreshInterval,
		SearchIdleAfter:          viper.GetDuration(cfgSearchIdleAfter),
	}, nil
}

func parseDurability(s string) (api.Durability, error) {
	switch strings.ToLower(s) {
	case "request":
		return api.DurabilityRequest, nil
	case "async":
		return api.DurabilityAsync, nil
	default:
		return 0, fmt.Errorf("config: unsupported translog durability %q", s)
	}
}
