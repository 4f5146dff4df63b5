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

package dispatch

import (
	"context"
	"errors"

	"github.com/tabfleet/tabfleet/cdp"
	"github.com/tabfleet/tabfleet/guard"
	"github.com/tabfleet/tabfleet/ipc"
	"github.com/tabfleet/tabfleet/queue"
	"github.com/tabfleet/tabfleet/registry"
)

// wireError maps tagged broker errors onto the stable numeric codes.
// Handlers already return *ipc.Error for protocol-level failures; those
// pass through unchanged.
func wireError(err error) *ipc.Error {
	var wire *ipc.Error
	if errors.As(err, &wire) {
		return wire
	}

	code := ipc.CodeInternal
	switch {
	case errors.Is(err, registry.ErrSessionNotFound),
		errors.Is(err, registry.ErrSessionLimitReached):
		code = ipc.CodeSessionNotFound
	case errors.Is(err, registry.ErrTargetNotFound):
		code = ipc.CodeTargetNotFound
	case errors.Is(err, registry.ErrOwnershipViolation):
		code = ipc.CodeOwnershipViolation
	case errors.Is(err, cdp.ErrDriverDisconnected),
		errors.Is(err, cdp.ErrPageClosed),
		errors.Is(err, registry.ErrRegistryClosed):
		code = ipc.CodeNotConnected
	case errors.Is(err, context.DeadlineExceeded):
		code = ipc.CodeTimeout
	case errors.Is(err, registry.ErrInvalidSessionID),
		errors.Is(err, registry.ErrWorkerNotFound),
		errors.Is(err, registry.ErrWorkerLimitReached),
		errors.Is(err, registry.ErrCannotDeleteDefaultWorker),
		errors.Is(err, guard.ErrDomainBlocked),
		errors.Is(err, queue.ErrQueueClosed):
		code = ipc.CodeInvalidParams
	}
	return ipc.NewError(code, "%s", err.Error())
}
