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
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// cookiesFromJSON decodes a protocol result carrying a "cookies" array.
func cookiesFromJSON(raw []byte) []Cookie {
	var cookies []Cookie
	for _, c := range gjson.GetBytes(raw, "cookies").Array() {
		cookies = append(cookies, Cookie{
			Name:     c.Get("name").String(),
			Value:    c.Get("value").String(),
			Domain:   c.Get("domain").String(),
			Path:     c.Get("path").String(),
			Expires:  c.Get("expires").Float(),
			HTTPOnly: c.Get("httpOnly").Bool(),
			Secure:   c.Get("secure").Bool(),
			SameSite: c.Get("sameSite").String(),
		})
	}
	return cookies
}

// Cookies returns the browser-wide cookie jar of the default profile.
func (c *Client) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := c.conn.ExecuteRaw(ctx, "", "Storage.getCookies", nil)
	if err != nil {
		return nil, fmt.Errorf("unable to get browser cookies: %w", err)
	}
	return cookiesFromJSON(raw), nil
}

// SetCookies writes cookies into the browser-wide jar.
func (c *Client) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params, err := json.Marshal(map[string]interface{}{"cookies": cookies})
	if err != nil {
		return fmt.Errorf("unable to marshal cookies: %w", err)
	}
	if _, err := c.conn.ExecuteRaw(ctx, "", "Storage.setCookies", params); err != nil {
		return fmt.Errorf("unable to set browser cookies: %w", err)
	}
	return nil
}
