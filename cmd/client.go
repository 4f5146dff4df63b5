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

	"github.com/spf13/cobra"

	"github.com/tabfleet/tabfleet/ipc"
	"github.com/tabfleet/tabfleet/mcp"
)

func getCmdClient(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Serve the tool protocol on stdio, backed by a running broker",
		Long:  "Connects to the broker socket and exposes the tool surface as a\nModel Context Protocol server on standard in/out.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runClient(cmd.Context(), gs)
		},
	}
}

func runClient(ctx context.Context, gs *globalState) error {
	cfg, logger := gs.cfg, gs.logger

	client := ipc.NewClient(cfg.SocketPath, ipc.ClientOptions{
		RequestTimeout:    cfg.RequestTimeout,
		ReconnectAttempts: uint64(cfg.ReconnectAttempts),
		ReconnectDelay:    cfg.ReconnectDelay,
		OnEvent: func(ev ipc.Event) {
			switch ev.Type {
			case ipc.EventReconnected:
				logger.Infof("client", "reconnected to broker as %s", ev.WorkerID)
			case ipc.EventReconnectFailed:
				// The broker is gone for good; a stdio client with no
				// backend serves nothing.
				logger.Errorf("client", "broker unreachable, exiting")
				os.Exit(1)
			}
		},
	}, logger)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("unable to reach broker at %s: %w", cfg.SocketPath, err)
	}
	defer client.Close()

	logger.Infof("client", "registered as %s, serving stdio", client.WorkerID())
	return mcp.NewServer(client, Version, logger).ServeStdio()
}
