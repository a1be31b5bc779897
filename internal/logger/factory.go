// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetAPILogger returns a logger for the HTTP surface
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetQueueLogger returns a logger for broker topology and publishing
func GetQueueLogger() zerolog.Logger {
	return GetLogger("queue")
}

// GetStoreLogger returns a logger for state store access
func GetStoreLogger() zerolog.Logger {
	return GetLogger("store")
}

// GetHealthLogger returns a logger for health aggregation
func GetHealthLogger() zerolog.Logger {
	return GetLogger("health")
}

// GetArtifactLogger returns a logger for the artifact proxy
func GetArtifactLogger() zerolog.Logger {
	return GetLogger("artifact")
}
