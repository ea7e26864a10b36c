// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// maxRequestBody caps request payloads; every request here is a small
// control message.
const maxRequestBody = 64 * 1024

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoginRequest carries operator credentials.
type LoginRequest struct {
	Username string `json:"username" validate:"required,min=1,max=128"`
	Password string `json:"password" validate:"required,min=1,max=512"`
}

// TriggerRequest is the on-demand backup trigger payload. Both fields are
// optional; the defaults are a full run including files.
type TriggerRequest struct {
	Type         string `json:"type" validate:"omitempty,oneof=full incremental"`
	IncludeFiles *bool  `json:"includeFiles"`
}

// CreateBackupRequest starts a backup run. The database is always
// captured; the files tree is captured unless includeFiles is false.
type CreateBackupRequest struct {
	Type         string `json:"type" validate:"omitempty,oneof=full incremental"`
	IncludeFiles *bool  `json:"includeFiles"`
}

// VerifyRequest names the snapshot to integrity-check.
type VerifyRequest struct {
	BackupID string `json:"backupId" validate:"required,min=1,max=256"`
	Type     string `json:"type" validate:"omitempty,oneof=database files"`
}

// RestoreAPIRequest describes a restore job.
type RestoreAPIRequest struct {
	BackupID string `json:"backupId" validate:"required,min=1,max=256"`
	Type     string `json:"type" validate:"required,oneof=database files full"`
	DryRun   bool   `json:"dryRun"`
	Verify   bool   `json:"verify"`
}

// decodeRequest parses and validates a JSON request body. Unknown fields
// are rejected so client typos surface as 400s instead of silent defaults.
func decodeRequest(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// validationDetails flattens validator errors into client-friendly form.
func validationDetails(err error) interface{} {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, map[string]string{
			"field": fe.Field(),
			"rule":  fe.Tag(),
		})
	}
	return details
}
