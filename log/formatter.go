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

package log

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// ConsoleFormatter renders log entries for an interactive terminal:
// a colored level tag, the category (when present), and the message.
type ConsoleFormatter struct {
	// NoColor disables ANSI colors, e.g. when stderr is not a TTY.
	NoColor bool
}

var levelColors = map[logrus.Level]*color.Color{
	logrus.TraceLevel: color.New(color.FgWhite),
	logrus.DebugLevel: color.New(color.FgCyan),
	logrus.InfoLevel:  color.New(color.FgGreen),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
	logrus.PanicLevel: color.New(color.FgRed, color.Bold),
}

// Format implements logrus.Formatter.
func (f *ConsoleFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer

	level := strings.ToUpper(e.Level.String())
	if c, ok := levelColors[e.Level]; ok && !f.NoColor {
		level = c.Sprint(level)
	}
	buf.WriteString(e.Time.Format("15:04:05.000"))
	buf.WriteByte(' ')
	buf.WriteString(level)

	if cat, ok := e.Data["category"].(string); ok && cat != "" {
		fmt.Fprintf(&buf, " [%s]", cat)
	}
	buf.WriteByte(' ')
	buf.WriteString(e.Message)

	for k, v := range e.Data {
		if k == "category" {
			continue
		}
		fmt.Fprintf(&buf, " %s=%v", k, v)
	}
	buf.WriteByte('\n')

	return buf.Bytes(), nil
}
