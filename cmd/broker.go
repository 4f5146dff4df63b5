/*
 *
 * tabfleet - a multi-tenant browser automation broker
 * Copyright (C) 2025 Tabfleet Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tabfleet/tabfleet/cdp"
	"github.com/tabfleet/tabfleet/dispatch"
	"github.com/tabfleet/tabfleet/guard"
	"github.com/tabfleet/tabfleet/ipc"
	"github.com/tabfleet/tabfleet/pool"
	"github.com/tabfleet/tabfleet/registry"
	"github.com/tabfleet/tabfleet/router"
	"github.com/tabfleet/tabfleet/storage"
)

func getCmdBroker(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "broker",
		Short: "Run the broker against a local browser",
		Long:  "Connects to the browser's debugging port, binds the unix socket,\nand serves automation sessions until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBroker(cmd.Context(), gs)
		},
	}
}

func runBroker(parent context.Context, gs *globalState) error {
	cfg, logger := gs.cfg, gs.logger

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pids := guard.NewPIDRegistry(os.TempDir())
	if err := pids.Register(cfg.DebugPort); err != nil {
		return fmt.Errorf("unable to register broker pid: %w", err)
	}
	defer func() {
		if err := pids.Unregister(cfg.DebugPort); err != nil {
			logger.Warnf("broker", "pid unregister failed: %v", err)
		}
	}()

	heavy := cdp.NewClient(cfg.DebugPort, logger)
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err := heavy.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("unable to connect to browser on port %d: %w", cfg.DebugPort, err)
	}
	defer heavy.Close()

	var (
		light   *cdp.Client
		rtr     *router.Router
		mirrors dispatch.LightBackend
		syncer  *router.Syncer
	)
	if cfg.HybridEnabled {
		light = cdp.NewClient(cfg.LightPort, logger)
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		err := light.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.Warnf("broker", "light browser on port %d unavailable, hybrid disabled: %v", cfg.LightPort, err)
			light = nil
		} else {
			defer light.Close()
			rtr = router.New(router.Options{
				Enabled:     true,
				MaxFailures: cfg.CircuitMaxFailures,
				Cooldown:    cfg.CircuitCooldown,
			}, logger)
			mirrors = dispatch.NewCDPLightBackend(light, logger)
			syncer = router.StartSyncer(heavy, light, "", cfg.CookieSyncInterval, logger)
			defer syncer.Stop()
		}
	}

	var pagePool *pool.PagePool
	if cfg.UsePagePool {
		pagePool = pool.NewPagePool(cfg.PagePoolSize, func(ctx context.Context) (pool.Page, error) {
			return heavy.CreatePage(ctx, cdp.BlankPageURL, "")
		}, logger)
		if err := pagePool.Warm(ctx); err != nil {
			logger.Warnf("broker", "page pool warm-up incomplete: %v", err)
		}
		defer pagePool.Close(context.Background())
	}

	var browserPool *pool.BrowserPool
	if cfg.UseBrowserPool {
		browserPool = pool.NewBrowserPool(
			cfg.DebugPort+100, cfg.MaxInstancesPerOrigin, cfg.InstanceIdleTime,
			pool.ChromeSpawner(""),
			func(ctx context.Context, port int) bool {
				return cdp.NewClient(port, logger).Healthy(ctx)
			},
			logger,
		)
		browserPool.Start(cfg.HealthCheckInterval)
		defer browserPool.Stop()
	}

	var state *storage.Manager
	if cfg.StorageStateEnabled {
		state = storage.NewManager(cfg.StorageStateDir, cfg.StorageStateInterval, logger)
	}

	reg := registry.New(registry.Options{
		MaxSessions:          cfg.MaxSessions,
		MaxWorkersPerSession: cfg.MaxWorkersPerSession,
		SessionTTL:           cfg.SessionTTL,
		CleanupInterval:      cfg.CleanupInterval,
		AutoCleanup:          cfg.AutoCleanup,
		UseDefaultContext:    cfg.UseDefaultContext,
	}, registry.Deps{
		Driver: registry.NewDriver(heavy),
		DriverForPort: func(port int) (registry.Driver, error) {
			c := cdp.NewClient(port, logger)
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
			defer cancel()
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			return registry.NewDriver(c), nil
		},
		PagePool:    pagePool,
		BrowserPool: browserPool,
		State:       state,
		Logger:      logger,
	})
	reg.Start()
	defer reg.Close(context.Background())

	blocklist := guard.NewBlocklist(cfg.BlockedDomains)
	dispatcher := dispatch.New(reg, rtr, mirrors, blocklist, logger)
	if mirrors != nil {
		defer mirrors.Close(context.Background())
	}

	server := ipc.NewServer(cfg.SocketPath, dispatcher, logger)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warnf("broker", "server shutdown: %v", err)
		}
	}()

	logger.Infof("broker", "tabfleet %s serving browser :%d on %s", Version, cfg.DebugPort, cfg.SocketPath)
	<-ctx.Done()
	logger.Infof("broker", "shutting down")
	return nil
}
