// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Document types written by the workers.
const (
	TypePipeline         = "pipeline"
	TypePipelineRun      = "pipeline-run"
	TypeLogLine          = "log-line"
	TypeResourceProvider = "resource-provider"
	TypeArtifactStore    = "artifact-store"
)

// Document id prefixes. The suffix is the entity's natural key.
const (
	pipelinePrefix         = "bob.pipeline."
	runPrefix              = "bob.pipeline.run/"
	logPrefix              = "bob.pipeline.log/"
	resourceProviderPrefix = "bob.resource-provider/"
	artifactStorePrefix    = "bob.artifact-store/"
)

// Document is one immutable version of an entity. Versions are never updated
// in place: a change appends a row with a higher TxID, and a delete appends
// a tombstone.
type Document struct {
	TxID      uint64         `gorm:"column:tx_id;primaryKey;autoIncrement"`
	DocID     string         `gorm:"column:doc_id;not null;index:idx_documents_doc_id"`
	Type      string         `gorm:"column:type;not null;index:idx_documents_type"`
	TxTime    time.Time      `gorm:"column:tx_time;not null;index:idx_documents_tx_time"`
	ValidTime time.Time      `gorm:"column:valid_time;not null"`
	Deleted   bool           `gorm:"column:deleted;not null;default:false"`
	Body      datatypes.JSON `gorm:"column:body"`
}

// TableName specifies the table name for GORM
func (Document) TableName() string {
	return "documents"
}

// PipelineDocID is the document id of pipeline group/name.
func PipelineDocID(group, name string) string {
	return pipelinePrefix + group + "/" + name
}

// RunDocID is the document id of a pipeline run.
func RunDocID(runID string) string {
	return runPrefix + runID
}

// LogDocID returns a fresh document id for a log line.
func LogDocID() string {
	return logPrefix + "l-" + uuid.NewString()
}

// ResourceProviderDocID is the document id of a resource provider.
func ResourceProviderDocID(name string) string {
	return resourceProviderPrefix + name
}

// ArtifactStoreDocID is the document id of an artifact store.
func ArtifactStoreDocID(name string) string {
	return artifactStorePrefix + name
}

// RunIDOf extracts the run id from a run document id.
func RunIDOf(docID string) (string, bool) {
	return strings.CutPrefix(docID, runPrefix)
}

// NameOf extracts the name from a resource provider or artifact store
// document id.
func NameOf(docID string) (string, bool) {
	if name, ok := strings.CutPrefix(docID, resourceProviderPrefix); ok {
		return name, true
	}
	return strings.CutPrefix(docID, artifactStorePrefix)
}
