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

package cdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookiesFromJSON(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"cookies":[
		{"name":"sid","value":"abc","domain":".example.com","path":"/","expires":1735689600,
		 "httpOnly":true,"secure":true,"sameSite":"Lax"},
		{"name":"theme","value":"dark","domain":"example.com","path":"/settings"}
	]}`)

	cookies := cookiesFromJSON(raw)
	require.Len(t, cookies, 2)

	assert.Equal(t, Cookie{
		Name:     "sid",
		Value:    "abc",
		Domain:   ".example.com",
		Path:     "/",
		Expires:  1735689600,
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
	}, cookies[0])

	assert.Equal(t, "theme", cookies[1].Name)
	assert.False(t, cookies[1].Secure)
}

func TestCookiesFromJSONEmpty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, cookiesFromJSON([]byte(`{}`)))
	assert.Empty(t, cookiesFromJSON([]byte(`{"cookies":[]}`)))
	assert.Empty(t, cookiesFromJSON(nil))
}

func TestCookieKey(t *testing.T) {
	t.Parallel()

	a := Cookie{Name: "sid", Value: "1", Domain: "example.com", Path: "/"}
	b := Cookie{Name: "sid", Value: "2", Domain: "example.com", Path: "/"}
	c := Cookie{Name: "sid", Value: "1", Domain: "example.com", Path: "/admin"}

	// Value is not part of the identity; path and domain are.
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}
