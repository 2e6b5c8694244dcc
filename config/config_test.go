package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/shardstore/shard/api"
)

func TestRegisterFlagsAndResolve(t *testing.T) {
	viper.Reset()
	cmd := &cobra.Command{Use: "test"}
	RegisterFlags(cmd)

	require.NoError(t, cmd.Flags().Set(cfgDataPath, "/tmp/shard-data"))
	require.NoError(t, cmd.Flags().Set(cfgTranslogDurability, "async"))

	cfg, err := ShardConfig(api.ShardID{IndexName: "idx", ShardNum: 0})
	require.NoError(t, err)
	require.Equal(t, "/tmp/shard-data", cfg.DataPath)
	require.Equal(t, api.DurabilityAsync, cfg.Durability)
	require.Greater(t, cfg.FlushThresholdSizeBytes, int64(0))
}

func TestUnsupportedDurabilityRejected(t *testing.T) {
	viper.Reset()
	cmd := &cobra.Command{Use: "test"}
	RegisterFlags(cmd)
	require.NoError(t, cmd.Flags().Set(cfgTranslogDurability, "bogus"))

	_, err := ShardConfig(api.ShardID{})
	require.Error(t, err)
}
