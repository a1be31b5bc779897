// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Here lies the definition of the commands the gateway hands to the workers.
// A Command is fire-and-forget: it describes a desired state change which a
// worker applies later. The gateway never learns whether it was applied other
// than by reading the state store.
//
// Command type names are part of the wire contract with the workers and must
// not change.
package protocol

// CommandType names a command. It travels as the AMQP "type" message property.
type CommandType string

// Entity lifecycle commands
const (
	PipelineCreate         CommandType = "pipeline/create"
	PipelineDelete         CommandType = "pipeline/delete"
	ResourceProviderCreate CommandType = "resource-provider/create"
	ResourceProviderDelete CommandType = "resource-provider/delete"
	ArtifactStoreCreate    CommandType = "artifact-store/create"
	ArtifactStoreDelete    CommandType = "artifact-store/delete"
)

// Run lifecycle commands
const (
	PipelineStart   CommandType = "pipeline/start"
	PipelineStop    CommandType = "pipeline/stop"
	PipelinePause   CommandType = "pipeline/pause"
	PipelineUnpause CommandType = "pipeline/unpause"
)

// AllCommands lists every command the gateway may publish.
func AllCommands() []CommandType {
	return []CommandType{
		PipelineCreate, PipelineDelete,
		PipelineStart, PipelineStop, PipelinePause, PipelineUnpause,
		ResourceProviderCreate, ResourceProviderDelete,
		ArtifactStoreCreate, ArtifactStoreDelete,
	}
}

// Valid reports whether c is a known command type.
func (c CommandType) Valid() bool {
	for _, known := range AllCommands() {
		if c == known {
			return true
		}
	}
	return false
}

func (c CommandType) String() string {
	return string(c)
}
