/*
Copyright 2021 The Everoute Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the agent's on-disk configuration: bridge names, the OVSDB
// socket, uplink scanning, persistence paths, stats/advertisement/task-
// queue timing and the metrics listener. It has no encap, virtual-router,
// virtual-DHCP, endpoint-advertisement-mode, conntrack-zone-range or
// drop-log settings.
type Config struct {
	LogLevel string `yaml:"log-level"`

	IntegrationBridge string `yaml:"integration-bridge"`
	AccessBridge      string `yaml:"access-bridge"`
	OVSDBSocket       string `yaml:"ovsdb-socket"`

	UplinkInterface    string        `yaml:"uplink-interface"`
	UplinkScanInterval time.Duration `yaml:"uplink-scan-interval"`

	IDCacheDir       string `yaml:"id-cache-dir"`
	MulticastGroupFile string `yaml:"multicast-group-file"`

	StatsPollInterval time.Duration `yaml:"stats-poll-interval"`
	StatsRingSize     int           `yaml:"stats-ring-size"`

	AdvertInterval   time.Duration `yaml:"advert-interval"`
	AdvertJitterFrac float64       `yaml:"advert-jitter-fraction"`

	TaskQueueInitDelay time.Duration `yaml:"task-queue-init-delay"`

	MetricsListenAddr string `yaml:"metrics-listen-addr"`
}

// DefaultConfig returns the configuration used when no file is given
// and no flag overrides a field.
func DefaultConfig() Config {
	return Config{
		LogLevel:           "info",
		IntegrationBridge:  "br-int",
		AccessBridge:       "br-access",
		OVSDBSocket:        "/var/run/openvswitch/db.sock",
		UplinkScanInterval: 10 * time.Second,
		IDCacheDir:         "/var/lib/opflex-agent-ovs/ids",
		MulticastGroupFile: "/var/lib/opflex-agent-ovs/mcast-groups.json",
		StatsPollInterval:  30 * time.Second,
		StatsRingSize:      12,
		AdvertInterval:     60 * time.Second,
		AdvertJitterFrac:   0.2,
		TaskQueueInitDelay: 5 * time.Second,
		MetricsListenAddr:  ":9102",
	}
}

// LoadConfig reads and parses a YAML config file at path, starting
// from DefaultConfig so an omitted field keeps its default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
