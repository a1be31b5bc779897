// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// ErrAddressing marks a command whose group, name or run id is missing or malformed.
var ErrAddressing = errors.New("invalid addressing")

// Identifiers end up in document ids and URL paths, so slashes, whitespace
// and control characters are rejected.
var validIdentifier = regexp.MustCompile(`^[^\s/\x00-\x1f\x7f]{1,255}$`)

// PipelineRef addresses a pipeline by its composite key.
type PipelineRef struct {
	Group string
	Name  string
}

// Validate checks both halves of the key.
func (r PipelineRef) Validate() error {
	if err := validateIdentifier("group", r.Group); err != nil {
		return err
	}
	return validateIdentifier("name", r.Name)
}

func (r PipelineRef) fields() Payload {
	return Payload{"group": r.Group, "name": r.Name}
}

func validateIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrAddressing, field)
	}
	if !validIdentifier.MatchString(value) {
		return fmt.Errorf("%w: %s %q is malformed", ErrAddressing, field, value)
	}
	return nil
}

// NewRunID returns a fresh run id.
func NewRunID() string {
	return "r-" + uuid.NewString()
}

// CreatePipeline builds pipeline/create. The path-derived group and name
// override anything with the same key in body.
func CreatePipeline(ref PipelineRef, body Payload) (Envelope, error) {
	if err := ref.Validate(); err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: PipelineCreate, Payload: body.merge(ref.fields())}, nil
}

// DeletePipeline builds pipeline/delete.
func DeletePipeline(ref PipelineRef) (Envelope, error) {
	if err := ref.Validate(); err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: PipelineDelete, Payload: ref.fields()}, nil
}

// StartPipeline builds pipeline/start and returns the run id it carries.
// A caller-supplied "run_id" in body is honoured when well formed; otherwise
// a fresh one is generated.
func StartPipeline(ref PipelineRef, body Payload) (Envelope, string, error) {
	if err := ref.Validate(); err != nil {
		return Envelope{}, "", err
	}

	runID := NewRunID()
	if supplied, ok := body["run_id"]; ok {
		s, isString := supplied.(string)
		if !isString {
			return Envelope{}, "", fmt.Errorf("%w: run_id must be a string", ErrAddressing)
		}
		if err := validateIdentifier("run_id", s); err != nil {
			return Envelope{}, "", err
		}
		runID = s
	}

	fields := ref.fields()
	fields["run_id"] = runID
	return Envelope{Type: PipelineStart, Payload: body.merge(fields)}, runID, nil
}

// StopPipeline builds pipeline/stop for a caller-supplied run id.
func StopPipeline(ref PipelineRef, runID string) (Envelope, error) {
	return runCommand(PipelineStop, ref, runID)
}

// PausePipeline builds pipeline/pause.
func PausePipeline(ref PipelineRef, runID string) (Envelope, error) {
	return runCommand(PipelinePause, ref, runID)
}

// UnpausePipeline builds pipeline/unpause.
func UnpausePipeline(ref PipelineRef, runID string) (Envelope, error) {
	return runCommand(PipelineUnpause, ref, runID)
}

func runCommand(ct CommandType, ref PipelineRef, runID string) (Envelope, error) {
	if err := ref.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := validateIdentifier("run_id", runID); err != nil {
		return Envelope{}, err
	}
	fields := ref.fields()
	fields["run_id"] = runID
	return Envelope{Type: ct, Payload: fields}, nil
}

// CreateResourceProvider builds resource-provider/create.
func CreateResourceProvider(name string, body Payload) (Envelope, error) {
	return namedCreate(ResourceProviderCreate, name, body)
}

// DeleteResourceProvider builds resource-provider/delete.
func DeleteResourceProvider(name string) (Envelope, error) {
	return namedDelete(ResourceProviderDelete, name)
}

// CreateArtifactStore builds artifact-store/create.
func CreateArtifactStore(name string, body Payload) (Envelope, error) {
	return namedCreate(ArtifactStoreCreate, name, body)
}

// DeleteArtifactStore builds artifact-store/delete.
func DeleteArtifactStore(name string) (Envelope, error) {
	return namedDelete(ArtifactStoreDelete, name)
}

func namedCreate(ct CommandType, name string, body Payload) (Envelope, error) {
	if err := validateIdentifier("name", name); err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: ct, Payload: body.merge(Payload{"name": name})}, nil
}

func namedDelete(ct CommandType, name string) (Envelope, error) {
	if err := validateIdentifier("name", name); err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: ct, Payload: Payload{"name": name}}, nil
}
