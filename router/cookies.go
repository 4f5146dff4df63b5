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

package router

import (
	"context"
	"sync"
	"time"

	"github.com/tabfleet/tabfleet/cdp"
	"github.com/tabfleet/tabfleet/log"
)

// CookieJar is anything that can list and install cookies.
type CookieJar interface {
	Cookies(ctx context.Context) ([]cdp.Cookie, error)
	SetCookies(ctx context.Context, cookies []cdp.Cookie) error
}

// Copy transfers source cookies to target, optionally filtered by
// domain, keeping the same attributes. It writes unconditionally so
// value changes propagate on every pass; Merge is the one that leaves
// existing target cookies alone. Failures are logged and yield 0.
func Copy(ctx context.Context, source, target CookieJar, domain string, logger *log.Logger) int {
	src, err := source.Cookies(ctx)
	if err != nil {
		logger.Debugf("router:cookies", "source cookie read failed: %v", err)
		return 0
	}
	if domain != "" {
		kept := src[:0]
		for _, c := range src {
			if matchDomain(c.Domain, domain) {
				kept = append(kept, c)
			}
		}
		src = kept
	}
	if len(src) == 0 {
		return 0
	}
	if err := target.SetCookies(ctx, src); err != nil {
		logger.Debugf("router:cookies", "target cookie write failed: %v", err)
		return 0
	}
	return len(src)
}

// Merge installs the cookies present in source but not in target. Unlike
// Copy it surfaces the error, so callers can report whether the two jars
// actually converged.
func Merge(ctx context.Context, source, target CookieJar, logger *log.Logger) (int, error) {
	src, err := source.Cookies(ctx)
	if err != nil {
		return 0, err
	}
	dst, err := target.Cookies(ctx)
	if err != nil {
		return 0, err
	}
	missing := subtract(src, dst)
	if len(missing) == 0 {
		return 0, nil
	}
	if err := target.SetCookies(ctx, missing); err != nil {
		return 0, err
	}
	logger.Debugf("router:cookies", "merged %d cookies", len(missing))
	return len(missing), nil
}

// subtract returns the cookies in a that are not in b, keyed by
// (name, domain, path).
func subtract(a, b []cdp.Cookie) []cdp.Cookie {
	seen := make(map[[3]string]bool, len(b))
	for _, c := range b {
		seen[c.Key()] = true
	}
	var out []cdp.Cookie
	for _, c := range a {
		if !seen[c.Key()] {
			out = append(out, c)
		}
	}
	return out
}

// matchDomain accepts an exact match or the leading-dot form of the same
// domain, e.g. "example.com" matches both "example.com" and ".example.com".
func matchDomain(cookieDomain, filter string) bool {
	return cookieDomain == filter || cookieDomain == "."+filter
}

// Syncer copies cookies from source to target on a fixed interval, used
// to keep a light backend's jar trailing the heavy browser between
// explicit syncs.
type Syncer struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartSyncer launches the periodic copy. The goroutine holds no locks
// between ticks and exits promptly on Stop.
func StartSyncer(source, target CookieJar, domain string, interval time.Duration, logger *log.Logger) *Syncer {
	s := &Syncer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if n := Copy(ctx, source, target, domain, logger); n > 0 {
					logger.Debugf("router:cookies", "periodic sync copied %d cookies", n)
				}
				cancel()
			}
		}
	}()
	return s
}

// Stop halts the periodic sync and waits for the worker to exit.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
