// Package config parses the cluster-wide configuration document: cluster
// identity, the Nodes Configuration seed, metadata-log and data-log ranges,
// security and traffic-shaping policy, and the coordinator (ZooKeeper)
// address, following the teacher's internal/config.Config layout extended
// to the full configuration surface. Parsed with github.com/goccy/go-yaml,
// the same library cmd/init.go's initConfig uses.
package config

import (
	"fmt"
	"sort"

	"github.com/goccy/go-yaml"
)

// InternalLogRangeFirst/Last bound the log-id range reserved for the
// system's own metadata logs; a data log range may not overlap it.
const (
	InternalLogRangeFirst uint64 = 0
	InternalLogRangeLast  uint64 = 999
)

// DefaultLogNamespaceDelimiter separates namespace components in log names
// when none is configured.
const DefaultLogNamespaceDelimiter = "/"

// NodeEntry seeds one row of the Nodes Configuration at cluster bootstrap.
type NodeEntry struct {
	Index    uint32   `yaml:"index"`
	Name     string   `yaml:"name"`
	Address  string   `yaml:"address"`
	Gossip   string   `yaml:"gossip"`
	Location string   `yaml:"location"`
	Roles    []string `yaml:"roles"`
}

// MetadataLogsConfig describes the nodeset and replication property for the
// cluster's own metadata logs.
type MetadataLogsConfig struct {
	Nodeset     []uint32       `yaml:"nodeset"`
	Replication map[string]int `yaml:"replication"`
}

// LogRange names a contiguous span of log IDs sharing a replication
// property, the configuration-file counterpart of adminrpc.LogGroup.
type LogRange struct {
	Name        string         `yaml:"name"`
	FirstLogID  uint64         `yaml:"first_log_id"`
	LastLogID   uint64         `yaml:"last_log_id"`
	Replication map[string]int `yaml:"replication"`
}

func (r LogRange) overlaps(o LogRange) bool {
	return r.FirstLogID <= o.LastLogID && o.FirstLogID <= r.LastLogID
}

func (r LogRange) overlapsInternalRange() bool {
	return r.FirstLogID <= InternalLogRangeLast && InternalLogRangeFirst <= r.LastLogID
}

// Principal is one named security principal and the roles granted to it.
type Principal struct {
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// SecurityInformation controls whether principal-based ACL enforcement is
// active and who may bypass it via admin RPC.
type SecurityInformation struct {
	Enabled         bool     `yaml:"enabled"`
	AdminPrincipals []string `yaml:"admin_principals"`
}

// ShapingGroup is one traffic-shaping priority bucket's bandwidth policy.
type ShapingGroup struct {
	GuaranteedBps int64 `yaml:"guaranteed_bps"`
	MaxBps        int64 `yaml:"max_bps"`
}

// TrafficShapingConfig maps priority names to bandwidth policy.
type TrafficShapingConfig struct {
	DefaultPriority string                  `yaml:"default_priority"`
	ShapingGroups   map[string]ShapingGroup `yaml:"shaping_groups"`
}

// ReadThrottlingConfig bounds aggregate read bandwidth for the Read Stream.
type ReadThrottlingConfig struct {
	MaxReadBps int64 `yaml:"max_read_bps"`
}

// ZookeeperConfig addresses the coordination ensemble backing the
// membership view and gossip root path.
type ZookeeperConfig struct {
	QuorumAddresses []string `yaml:"quorum_addresses"`
	RootPath        string   `yaml:"root_path"`
}

// Config is the parsed cluster-wide configuration document.
type Config struct {
	Cluster               string               `yaml:"cluster"`
	Version               uint64               `yaml:"version"`
	Nodes                 []NodeEntry          `yaml:"nodes"`
	MetadataLogs          MetadataLogsConfig   `yaml:"metadata_logs"`
	Logs                  []LogRange           `yaml:"logs"`
	Principals            []Principal          `yaml:"principals"`
	SecurityInformation   SecurityInformation  `yaml:"security_information"`
	TrafficShaping        TrafficShapingConfig `yaml:"traffic_shaping"`
	ReadThrottling        ReadThrottlingConfig `yaml:"read_throttling"`
	ServerSettings        map[string]string    `yaml:"server_settings"`
	ClientSettings        map[string]string    `yaml:"client_settings"`
	Zookeeper             ZookeeperConfig      `yaml:"zookeeper"`
	LogNamespaceDelimiter string               `yaml:"log_namespace_delimiter"`
	ClusterCreationTime   int64                `yaml:"cluster_creation_time"`

	// CustomFields preserves top-level keys this build doesn't recognize,
	// the usual forward-compat escape hatch for a rolling config upgrade.
	CustomFields map[string]any `yaml:"-"`
}

var knownTopLevelKeys = map[string]bool{
	"cluster": true, "version": true, "nodes": true, "metadata_logs": true,
	"logs": true, "principals": true, "security_information": true,
	"traffic_shaping": true, "read_throttling": true, "server_settings": true,
	"client_settings": true, "zookeeper": true, "log_namespace_delimiter": true,
	"cluster_creation_time": true,
}

// Parse decodes a configuration document, preserving unrecognized top-level
// keys and rejecting overlapping or internally-reserved log ranges.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	cfg.CustomFields = make(map[string]any)
	for k, v := range raw {
		if !knownTopLevelKeys[k] {
			cfg.CustomFields[k] = v
		}
	}

	if cfg.LogNamespaceDelimiter == "" {
		cfg.LogNamespaceDelimiter = DefaultLogNamespaceDelimiter
	}

	if err := cfg.validateLogRanges(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validateLogRanges() error {
	seenNames := make(map[string]bool, len(c.Logs))
	ranges := append([]LogRange{}, c.Logs...)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].FirstLogID < ranges[j].FirstLogID })

	for i, r := range ranges {
		if r.FirstLogID > r.LastLogID {
			return fmt.Errorf("config: log range %q has first_log_id > last_log_id", r.Name)
		}
		if seenNames[r.Name] {
			return fmt.Errorf("config: duplicate log range name %q", r.Name)
		}
		seenNames[r.Name] = true
		if r.overlapsInternalRange() {
			return fmt.Errorf("config: log range %q overlaps the internal log range [%d,%d]", r.Name, InternalLogRangeFirst, InternalLogRangeLast)
		}
		if i > 0 && ranges[i-1].overlaps(r) {
			return fmt.Errorf("config: log range %q overlaps %q", ranges[i-1].Name, r.Name)
		}
	}
	return nil
}

// ValidateMonotonicVersion checks that next's version strictly increases
// over prev's, the invariant a config reload must hold.
func ValidateMonotonicVersion(prev, next Config) error {
	if next.Version <= prev.Version {
		return fmt.Errorf("config: version %d is not strictly greater than current version %d", next.Version, prev.Version)
	}
	return nil
}

// Default returns a minimal single-node development configuration.
func Default() Config {
	return Config{
		Cluster:               "dev",
		Version:               1,
		LogNamespaceDelimiter: DefaultLogNamespaceDelimiter,
		Zookeeper: ZookeeperConfig{
			QuorumAddresses: []string{"127.0.0.1:2181"},
			RootPath:        "/logcore",
		},
		ServerSettings: map[string]string{},
		ClientSettings: map[string]string{},
	}
}
