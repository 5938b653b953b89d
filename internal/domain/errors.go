package domain

import "errors"

var (
	// ErrNotFound marks a job, step or asset record that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAssetFileMissing marks an asset whose record exists but whose file
	// is gone from every candidate root. Expected after external deletion.
	ErrAssetFileMissing = errors.New("asset file missing on disk")
	// ErrProviderFailure wraps an external image service error.
	ErrProviderFailure = errors.New("provider failure")
	// ErrMaskMismatch marks a mask whose dimensions differ from its input.
	ErrMaskMismatch = errors.New("mask size mismatch")
)
