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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tabfleet/tabfleet/guard"
	"github.com/tabfleet/tabfleet/ipc"
)

func getCmdStatus(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a running broker's status as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), gs)
		},
	}
}

func runStatus(ctx context.Context, gs *globalState) error {
	cfg, logger := gs.cfg, gs.logger

	if pid, err := guard.NewPIDRegistry(os.TempDir()).Lookup(cfg.DebugPort); err == nil {
		logger.Infof("status", "broker for port %d has pid %d", cfg.DebugPort, pid)
	}

	client := ipc.NewClient(cfg.SocketPath, ipc.ClientOptions{
		RequestTimeout: cfg.RequestTimeout,
		// One shot; a dead broker should fail fast, not retry.
		ReconnectAttempts: 1,
	}, logger)
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("no broker at %s: %w", cfg.SocketPath, err)
	}
	defer client.Close()

	raw, err := client.Call(ctx, "broker/status", nil)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, buf.String())
	return nil
}
