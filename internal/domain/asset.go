package domain

import "time"

// AssetKind enumerates asset categories by origin.
type AssetKind string

const (
	AssetKindSource     AssetKind = "SOURCE"
	AssetKindPlate      AssetKind = "PLATE"
	AssetKindLayer      AssetKind = "LAYER"
	AssetKindMask       AssetKind = "MASK"
	AssetKindBGRemoved  AssetKind = "BG_REMOVED"
	AssetKindGeneration AssetKind = "GENERATION"
	AssetKindDebug      AssetKind = "DEBUG"
)

// Asset is a stored image file plus its metadata, owned by exactly one job.
// The record is immutable once created; the underlying file is written once.
type Asset struct {
	ID         string    `json:"id"`
	Kind       AssetKind `json:"kind"`
	Path       string    `json:"path"` // relative to the job directory
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Model      string    `json:"model,omitempty"`
	PromptHash string    `json:"prompt_hash,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
