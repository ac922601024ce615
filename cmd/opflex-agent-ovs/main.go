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

// Command opflex-agent-ovs runs the OVS datapath agent: it resolves
// policy objects through the pkg/modb facade and programs the
// integration and access bridges' OpenFlow pipelines to match.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/opendaylight/opflex-agent-ovs/pkg/ctzone"
	"github.com/opendaylight/opflex-agent-ovs/pkg/idgen"
	"github.com/opendaylight/opflex-agent-ovs/pkg/modb"
	"github.com/opendaylight/opflex-agent-ovs/pkg/ovs/portmapper"
	"github.com/opendaylight/opflex-agent-ovs/pkg/stats"
	"github.com/opendaylight/opflex-agent-ovs/pkg/taskqueue"
	"github.com/opendaylight/opflex-agent-ovs/pkg/tunnelep"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "opflex-agent-ovs",
		Short: "Programs an OVS datapath from a resolved policy model",
	}

	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configPath)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runAgent(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("main: invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(lvl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("main: received shutdown signal")
		cancel()
	}()

	store := modb.NewStore()
	ids := idgen.New(cfg.IDCacheDir)
	for _, ns := range []string{"epg", "bd", "fd", "rd", "secgrouprule", "contract", "vip"} {
		if err := ids.InitNamespace(ns); err != nil {
			return fmt.Errorf("main: initializing id namespace %s: %w", ns, err)
		}
	}
	zones, err := ctzone.New(ids)
	if err != nil {
		return fmt.Errorf("main: building conntrack zone manager: %w", err)
	}
	_ = zones
	_ = portmapper.New()

	q := taskqueue.New(func(key string) {
		log.Debugf("main: task dispatched for key %s", key)
	}, cfg.TaskQueueInitDelay)
	go q.Run()
	defer q.Stop()

	tunnelMgr := tunnelep.New(cfg.UplinkInterface, cfg.UplinkScanInterval)
	if cfg.UplinkInterface != "" {
		go tunnelMgr.Run(ctx)
	}

	ifaceStats := stats.NewInterfaceStatsManager(func(ctx context.Context, name string) (uint64, uint64, bool, error) {
		return 0, 0, false, nil
	}, cfg.StatsPollInterval)
	registry := prometheus.NewRegistry()
	if err := ifaceStats.Register(registry); err != nil {
		return fmt.Errorf("main: registering interface stats metrics: %w", err)
	}
	go ifaceStats.Run(ctx)

	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("main: metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	log.Infof("main: opflex-agent-ovs %s starting, integration bridge %s, access bridge %s", version, cfg.IntegrationBridge, cfg.AccessBridge)

	<-ctx.Done()
	log.Info("main: shutting down")
	return nil
}
