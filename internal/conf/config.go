// Package conf loads the node's YAML configuration, in the shape of the
// teacher's MasterConfig/MasterNode: struct tags document defaults, a
// small hand-rolled setter applies them (spec §6 tunables).
package conf

import (
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this node and its storage/listen locations.
type NodeConfig struct {
	NodeName      string `yaml:"node_name"`
	HostName      string `yaml:"host_name" default:"localhost"`
	DataDir       string `yaml:"data_dir" default:"/tmp/partx"`
	RPCPort       int    `yaml:"rpc_port" default:"7003"`
	ListenPort    int    `yaml:"listen_port" default:"2380"`
	AdvertisePort int    `yaml:"advertise_port" default:"2382"`
	Client        bool   `yaml:"client" default:"false"`
}

// ClusterConfig is the embedded-etcd discovery substrate's configuration.
type ClusterConfig struct {
	InitialCluster      string   `yaml:"initial_cluster"`
	InitialClusterToken string   `yaml:"initial_cluster_token" default:"partx-cluster"`
	ListenClientUrls    []string `yaml:"listen_client_urls"`
	AdvertisePeerUrls   []string `yaml:"advertise_peer_urls"`
	HeartbeatMs         uint     `yaml:"heartbeat_ms" default:"100"`
	ElectionMs          uint     `yaml:"election_ms" default:"1000"`
	LogLevel            string   `yaml:"log_level" default:"info"`
}

// ExchangeConfig carries the quiesce waiter's tunables (spec §6).
type ExchangeConfig struct {
	NetworkTimeoutMs             int64 `yaml:"network_timeout_ms" default:"5000"`
	LongOpDumpTimeoutLimitMs     int64 `yaml:"long_op_dump_timeout_limit_ms" default:"60000"`
	ReleaseFutureDumpThreshold   int   `yaml:"release_future_dump_threshold" default:"10"`
	ThreadDumpOnExchangeTimeout  bool  `yaml:"thread_dump_on_exchange_timeout" default:"false"`
	PartitionsPerGroup           int   `yaml:"partitions_per_group" default:"256"`
	AffinityReplicas             int   `yaml:"affinity_replicas" default:"2"`
	// GroupIDs lists the cache groups this cluster manages partitions
	// for. Left to the caller to default (struct-tag defaulting only
	// handles scalar kinds), since an empty list is itself meaningful
	// during early bring-up.
	GroupIDs []string `yaml:"group_ids"`
}

func (c ExchangeConfig) NetworkTimeout() time.Duration {
	return time.Duration(c.NetworkTimeoutMs) * time.Millisecond
}

func (c ExchangeConfig) LongOpDumpTimeoutLimit() time.Duration {
	return time.Duration(c.LongOpDumpTimeoutLimitMs) * time.Millisecond
}

// PartxConfig is the top-level node configuration.
type PartxConfig struct {
	Node     NodeConfig     `yaml:"node"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Exchange ExchangeConfig `yaml:"exchange"`
}

// LoadConfig reads and parses the YAML config at path, applying struct-tag
// defaults to any zero-valued field left unset by the file.
func LoadConfig(path string) (*PartxConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg PartxConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if cfg.Node.NodeName == "" {
		// No operator-assigned name: fall back to a random, stable-for-
		// this-process identity rather than failing config load.
		cfg.Node.NodeName = uuid.NewString()
	}
	return &cfg, nil
}

// applyDefaults walks cfg's fields by reflection, setting any zero-valued
// field to its struct tag `default:"..."` value. Nested structs are
// recursed into. This is deliberately hand-rolled: no third-party
// defaults library appears anywhere in the pack for this convention.
func applyDefaults(cfg *PartxConfig) {
	applyDefaultsValue(reflect.ValueOf(cfg).Elem())
}

func applyDefaultsValue(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			applyDefaultsValue(fv)
			continue
		}
		def, ok := field.Tag.Lookup("default")
		if !ok || !fv.IsZero() {
			continue
		}
		setDefault(fv, def)
	}
}

func setDefault(fv reflect.Value, def string) {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(def)
	case reflect.Bool:
		if b, err := strconv.ParseBool(def); err == nil {
			fv.SetBool(b)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, err := strconv.ParseInt(def, 10, 64); err == nil {
			fv.SetInt(n)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n, err := strconv.ParseUint(def, 10, 64); err == nil {
			fv.SetUint(n)
		}
	}
}
