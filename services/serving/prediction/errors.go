// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prediction

import "errors"

var (
	// ErrCircuitOpen is returned when the breaker rejects a call before
	// the detector is invoked. Callers get this typed rejection instead
	// of the underlying transient failures.
	ErrCircuitOpen = errors.New("detector circuit breaker is open")

	// ErrUnknownPredictionType is returned for requests whose type has
	// no registered capability.
	ErrUnknownPredictionType = errors.New("unknown prediction type")
)
