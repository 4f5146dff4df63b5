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

// Package guard holds the safety utilities consulted before mutating
// operations: a domain blocklist and a per-port broker PID registry.
package guard

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrDomainBlocked is returned when a mutating operation targets a
// blocklisted origin.
var ErrDomainBlocked = errors.New("domain is blocked")

// Blocklist refuses storage and cookie mutations against configured
// domains. A pattern matches its exact host and any subdomain.
type Blocklist struct {
	domains []string
}

// NewBlocklist normalizes patterns (lowercase, no leading dot).
func NewBlocklist(domains []string) *Blocklist {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d != "" {
			out = append(out, d)
		}
	}
	return &Blocklist{domains: out}
}

// Blocked reports whether host matches any blocklisted domain.
func (b *Blocklist) Blocked(host string) bool {
	host = strings.ToLower(host)
	for _, d := range b.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// CheckURL extracts the host from rawURL and rejects blocked origins.
func (b *Blocklist) CheckURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil // unparseable URLs are not this guard's concern
	}
	if b.Blocked(u.Hostname()) {
		return fmt.Errorf("%w: %s", ErrDomainBlocked, u.Hostname())
	}
	return nil
}
