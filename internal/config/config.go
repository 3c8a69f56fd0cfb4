// Package config defines this server's startup configuration and
// binds it through viper so values can come from flags, environment
// variables (SEARCHD_ prefix), or a YAML file — extending the
// teacher's flag-only approach with the layered config viper gives.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full set of startup parameters from spec §6: node and
// cluster identity, listening ports, data directory, and the various
// subsystem timeouts.
type Config struct {
	NodeName    string `mapstructure:"node-name"`
	ClusterName string `mapstructure:"cluster-name"`
	Region      uint16 `mapstructure:"region"`

	HTTPAddr    string `mapstructure:"http-addr"`
	BinaryAddr  string `mapstructure:"binary-addr"`
	GossipGroup string `mapstructure:"gossip-group"`
	GossipPort  int    `mapstructure:"gossip-port"`
	GossipIface string `mapstructure:"gossip-iface"`

	DataDir string `mapstructure:"data-dir"`

	NumShards   int `mapstructure:"num-shards"`
	WorkerCount int `mapstructure:"worker-count"`

	PoolCheckoutTimeout time.Duration `mapstructure:"pool-checkout-timeout"`
	ReadOnlyPoolCap     int           `mapstructure:"readonly-pool-cap"`

	WALAutocommitDebounce time.Duration `mapstructure:"wal-autocommit-debounce"`

	ResolverInitTimeout    time.Duration `mapstructure:"resolver-init-timeout"`
	ResolverOverallTimeout time.Duration `mapstructure:"resolver-overall-timeout"`

	ElectionTimeoutMin time.Duration `mapstructure:"election-timeout-min"`
	ElectionTimeoutMax time.Duration `mapstructure:"election-timeout-max"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat-interval"`

	ShutdownGrace time.Duration `mapstructure:"shutdown-grace"`

	LogLevel    string `mapstructure:"log-level"`
	LogJSON     bool   `mapstructure:"log-json"`
	MetricsAddr string `mapstructure:"metrics-addr"`
}

// Defaults returns the baseline configuration used when no flag, env
// var, or config file overrides a field.
func Defaults() Config {
	return Config{
		NodeName:    "",
		ClusterName: "xapiand",
		Region:      0,

		HTTPAddr:    ":8880",
		BinaryAddr:  ":8881",
		GossipGroup: "239.192.17.1",
		GossipPort:  9191,
		GossipIface: "",

		DataDir: "/tmp/searchd",

		NumShards:   1,
		WorkerCount: 8,

		PoolCheckoutTimeout: 10 * time.Second,
		ReadOnlyPoolCap:     4,

		WALAutocommitDebounce: 200 * time.Millisecond,

		ResolverInitTimeout:    5 * time.Millisecond,
		ResolverOverallTimeout: 1 * time.Second,

		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,

		ShutdownGrace: 5 * time.Second,

		LogLevel:    "info",
		LogJSON:     false,
		MetricsAddr: ":9090",
	}
}

// BindFlags registers every Config field as a cobra/pflag flag with
// its default value, and wires viper to read the same names from the
// environment (SEARCHD_NODE_NAME, …) and an optional config file.
func BindFlags(flags *pflag.FlagSet) {
	d := Defaults()

	flags.String("node-name", d.NodeName, "unique node name (auto-generated if empty)")
	flags.String("cluster-name", d.ClusterName, "gossip cluster name")
	flags.Uint16("region", d.Region, "raft election region id")

	flags.String("http-addr", d.HTTPAddr, "HTTP listen address")
	flags.String("binary-addr", d.BinaryAddr, "binary replication/RPC listen address")
	flags.String("gossip-group", d.GossipGroup, "UDP multicast group address")
	flags.Int("gossip-port", d.GossipPort, "UDP multicast port")
	flags.String("gossip-iface", d.GossipIface, "network interface for multicast (empty = default)")

	flags.String("data-dir", d.DataDir, "directory for WAL, snapshots and schema metadata")

	flags.Int("num-shards", d.NumShards, "number of shards this node participates in routing")
	flags.Int("worker-count", d.WorkerCount, "thread pool worker count")

	flags.Duration("pool-checkout-timeout", d.PoolCheckoutTimeout, "shard pool checkout timeout")
	flags.Int("readonly-pool-cap", d.ReadOnlyPoolCap, "max concurrent read-only handles per shard")

	flags.Duration("wal-autocommit-debounce", d.WALAutocommitDebounce, "autocommit debounce window")

	flags.Duration("resolver-init-timeout", d.ResolverInitTimeout, "resolver initial wake timeout")
	flags.Duration("resolver-overall-timeout", d.ResolverOverallTimeout, "resolver overall deadline")

	flags.Duration("election-timeout-min", d.ElectionTimeoutMin, "raft election timeout lower bound")
	flags.Duration("election-timeout-max", d.ElectionTimeoutMax, "raft election timeout upper bound")
	flags.Duration("heartbeat-interval", d.HeartbeatInterval, "raft leader heartbeat interval")

	flags.Duration("shutdown-grace", d.ShutdownGrace, "grace window for draining clients on shutdown")

	flags.String("log-level", d.LogLevel, "debug|info|warn|error")
	flags.Bool("log-json", d.LogJSON, "emit JSON logs instead of console format")
	flags.String("metrics-addr", d.MetricsAddr, "Prometheus /metrics listen address")
}

// Load builds a Config by layering viper (env + optional file) over
// the flags already parsed into flagSet, which must have been bound
// with BindFlags first.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("searchd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
