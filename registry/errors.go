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

package registry

import "errors"

// The registry's error taxonomy. The dispatcher maps these variants to
// the stable numeric wire codes; they surface to callers verbatim.
var (
	ErrSessionNotFound           = errors.New("session not found")
	ErrWorkerNotFound            = errors.New("worker not found")
	ErrTargetNotFound            = errors.New("target not found")
	ErrOwnershipViolation        = errors.New("target is owned by another session")
	ErrSessionLimitReached       = errors.New("session limit reached")
	ErrWorkerLimitReached        = errors.New("worker limit reached for session")
	ErrCannotDeleteDefaultWorker = errors.New("the default worker cannot be deleted")
	ErrInvalidSessionID          = errors.New("invalid session id")
	ErrRegistryClosed            = errors.New("registry is closed")
)
