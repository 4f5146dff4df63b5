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

package pool

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Candidate browser executables, first match wins.
var chromeExecutables = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"headless_shell",
}

// ChromeSpawner returns a Spawner that launches a headless Chromium with
// a remote debugging endpoint and a throwaway user data dir.
func ChromeSpawner(execPath string) Spawner {
	return func(ctx context.Context, port int) (func(), error) {
		path := execPath
		if path == "" {
			for _, name := range chromeExecutables {
				if p, err := exec.LookPath(name); err == nil {
					path = p
					break
				}
			}
		}
		if path == "" {
			return nil, fmt.Errorf("no browser executable found in PATH")
		}

		dataDir, err := os.MkdirTemp("", "tabfleet-instance-*")
		if err != nil {
			return nil, fmt.Errorf("unable to make user data dir: %w", err)
		}

		cmdCtx, cancel := context.WithCancel(context.Background())
		cmd := exec.CommandContext(cmdCtx, path,
			"--headless=new",
			"--no-first-run",
			"--no-default-browser-check",
			"--remote-debugging-port="+strconv.Itoa(port),
			"--user-data-dir="+dataDir,
		)
		if err := cmd.Start(); err != nil {
			cancel()
			_ = os.RemoveAll(dataDir)
			return nil, fmt.Errorf("unable to start browser executable: %w", err)
		}
		go func() {
			_ = cmd.Wait()
			_ = os.RemoveAll(dataDir)
		}()

		if err := waitForPort(ctx, port); err != nil {
			cancel()
			return nil, err
		}

		return func() { cancel() }, nil
	}
}

func waitForPort(ctx context.Context, port int) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("browser instance on port %d did not come up", port)
}
