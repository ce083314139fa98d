// Package config loads egress-pool daemon settings from a JSON file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ferritedb/egresspool/network"
)

// TransportKinds accepted in Settings.Transport.Kind.
const (
	TransportTCP      = "tcp"
	TransportPostgres = "postgres"
)

// Settings is the on-disk configuration of an egress-pool daemon.
type Settings struct {
	PoolName string `json:"PoolName"`

	MinConnections       int    `json:"MinConnections"`
	MaxConnections       int    `json:"MaxConnections"`
	MaxConnecting        int    `json:"MaxConnecting"`
	RefreshTimeoutMS     uint32 `json:"RefreshTimeoutMS"`
	RefreshRequirementMS uint32 `json:"RefreshRequirementMS"`
	HostTimeoutMS        uint32 `json:"HostTimeoutMS"`

	// ShardingProfile caps concurrent setups the way a sharded-cluster
	// router does.
	ShardingProfile bool `json:"ShardingProfile"`

	PrimaryWeightedMinConns bool `json:"PrimaryWeightedMinConns"`

	Transport TransportSettings `json:"Transport"`

	// StatsAddr is the listen address of the HTTP stats endpoint; empty
	// disables it.
	StatsAddr string `json:"StatsAddr"`

	// ReplicaSets seeds the pool federation, one connection string per
	// set ("rs0/host1:port,host2:port").
	ReplicaSets []string `json:"ReplicaSets"`
}

// TransportSettings selects and parameterizes the connection factory.
type TransportSettings struct {
	Kind          string `json:"Kind"`
	DialTimeoutMS uint32 `json:"DialTimeoutMS"`

	// Postgres transport credentials.
	User     string `json:"User"`
	Password string `json:"Password"`
	Database string `json:"Database"`
}

// ConvertJSONFileToSettings opens a file.json and converts it to Settings.
func ConvertJSONFileToSettings(fileNamePath string) (*Settings, error) {
	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}
	return ConvertJSONBytesToSettings(byteValue)
}

// ConvertJSONBytesToSettings converts raw JSON to Settings.
func ConvertJSONBytesToSettings(data []byte) (*Settings, error) {
	settings := &Settings{}
	var json = jsoniter.ConfigFastest
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}
	return settings, settings.validate()
}

func (s *Settings) validate() error {
	if s.PoolName == "" {
		return errors.New("config: PoolName is required")
	}

	switch s.Transport.Kind {
	case "", TransportTCP:
	case TransportPostgres:
		if s.Transport.User == "" || s.Transport.Database == "" {
			return errors.New("config: postgres transport requires User and Database")
		}
	default:
		return fmt.Errorf("config: unknown transport kind %q", s.Transport.Kind)
	}

	return nil
}

// Factory builds the connection factory the settings describe.
func (s *Settings) Factory() network.ConnectionFactory {
	switch s.Transport.Kind {
	case TransportPostgres:
		return network.NewPostgresConnectionFactory(
			s.Transport.User, s.Transport.Password, s.Transport.Database)
	default:
		return network.NewTCPConnectionFactory(
			time.Duration(s.Transport.DialTimeoutMS)*time.Millisecond, nil)
	}
}

// PoolOptions maps the settings onto pool options around the given factory.
func (s *Settings) PoolOptions(factory network.ConnectionFactory) network.Options {
	opts := network.DefaultOptions(s.PoolName, factory)
	if s.ShardingProfile {
		opts = network.ShardingDefaults(s.PoolName, factory)
	}

	if s.MinConnections > 0 {
		opts.MinConnections = s.MinConnections
	}
	if s.MaxConnections > 0 {
		opts.MaxConnections = s.MaxConnections
	}
	if s.MaxConnecting > 0 {
		opts.MaxConnecting = s.MaxConnecting
	}
	if s.RefreshTimeoutMS > 0 {
		opts.RefreshTimeout = time.Duration(s.RefreshTimeoutMS) * time.Millisecond
	}
	if s.RefreshRequirementMS > 0 {
		opts.RefreshRequirement = time.Duration(s.RefreshRequirementMS) * time.Millisecond
	}
	if s.HostTimeoutMS > 0 {
		opts.HostTimeout = time.Duration(s.HostTimeoutMS) * time.Millisecond
	}
	opts.PrimaryWeightedMinConns = s.PrimaryWeightedMinConns

	return opts
}
