// Package uploader delivers finished artefacts to a project's sink: the
// anonymised study zip and the structured parquet export. One uploader
// variant exists per destination; a factory resolves the variant and its
// credentials from the project config and the vault.
package uploader

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/project"
)

// ErrNoDestination marks a project with delivery disabled.
var ErrNoDestination = errors.New("project has no delivery destination")

// ErrParquetUnsupported marks a sink that only accepts DICOM.
var ErrParquetUnsupported = errors.New("sink does not accept parquet exports")

// Uploader is the capability surface of one delivery sink.
type Uploader interface {
	// UploadDicom delivers one anonymised study zip, addressed by its
	// pseudonymous UID.
	UploadDicom(ctx context.Context, projectSlug, pseudoStudyUID string, archive []byte) error

	// UploadParquet mirrors the local export tree to
	// `<project-slug>/<extract-time-slug>/parquet/...` on the sink.
	UploadParquet(ctx context.Context, projectSlug, extractTimeSlug, localDir string) error
}

// SecretSource resolves per-project credentials, e.g. a vault-backed
// key-value store keyed by (system, field).
type SecretSource interface {
	Fetch(system, field string) (string, error)
}

// ForProject builds the uploader for a project's DICOM destination.
func ForProject(cfg *project.Config, secrets SecretSource, log *zap.Logger) (Uploader, error) {
	return ForDestination(cfg.Destination.DICOM, secrets, log)
}

// ForDestination builds the uploader for one resolved destination variant.
func ForDestination(dest project.Destination, secrets SecretSource, log *zap.Logger) (Uploader, error) {
	switch dest {
	case project.DestinationNone:
		return &noneUploader{log: log}, nil
	case project.DestinationFTPS:
		return newFTPSUploader(secrets, log)
	case project.DestinationDICOMWeb:
		return newDICOMWebUploader(secrets, log)
	case project.DestinationXNAT:
		return newXNATUploader(secrets, log)
	case project.DestinationSFTP:
		return newSFTPUploader(secrets, log)
	case project.DestinationTREAPI:
		return newTREAPIUploader(secrets, log)
	}
	return nil, fmt.Errorf("no uploader for destination %s", dest)
}

// fetchOr reads an optional secret field, falling back when absent.
func fetchOr(secrets SecretSource, system, field, fallback string) string {
	v, err := secrets.Fetch(system, field)
	if err != nil || v == "" {
		return fallback
	}
	return v
}

// fetchRequired reads a mandatory secret field.
func fetchRequired(secrets SecretSource, system, field string) (string, error) {
	v, err := secrets.Fetch(system, field)
	if err != nil {
		return "", fmt.Errorf("secret %s/%s: %w", system, field, err)
	}
	if v == "" {
		return "", fmt.Errorf("secret %s/%s is empty", system, field)
	}
	return v, nil
}
