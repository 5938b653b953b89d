package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// HistoryMask captures the mask configuration a run executed with.
type HistoryMask struct {
	Mode      string `json:"mask_mode"`
	Intent    string `json:"mask_intent,omitempty"`
	AssetPath string `json:"mask_asset_path,omitempty"`
}

// HistoryValidation is the persisted validation summary of a run.
type HistoryValidation struct {
	Status  string             `json:"status"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Notes   string             `json:"notes,omitempty"`
}

// HistoryRecord is one immutable audit entry per run, independent of the
// mutable job record.
type HistoryRecord struct {
	JobID           string             `json:"job_id"`
	StepID          string             `json:"step_id"`
	RunID           string             `json:"run_id"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at,omitempty"`
	PromptBase      string             `json:"prompt_base,omitempty"`
	PromptCustom    string             `json:"prompt_custom,omitempty"`
	PromptFull      string             `json:"prompt_full,omitempty"`
	Mask            HistoryMask        `json:"mask"`
	Model           string             `json:"model,omitempty"`
	InputAssetPath  string             `json:"input_asset_path,omitempty"`
	OutputAssetID   string             `json:"output_asset_id,omitempty"`
	OutputAssetPath string             `json:"output_asset_path,omitempty"`
	Validation      *HistoryValidation `json:"validation,omitempty"`
	Error           string             `json:"error,omitempty"`
}

func (s *Store) historyDir(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "history")
}

// WriteHistory appends one immutable record for the run. The filename embeds
// timestamp, step and run tokens so a directory listing is chronological.
func (s *Store) WriteHistory(rec *HistoryRecord) error {
	dir := s.historyDir(rec.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: ensure history dir: %w", err)
	}
	blob, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal history record: %w", err)
	}
	ts := time.Now().UTC().Format("20060102T150405.000000")
	ts = strings.ReplaceAll(ts, ".", "")
	name := fmt.Sprintf("%s_%s_%s.json", ts, shortID(rec.StepID), shortID(rec.RunID))
	if err := os.WriteFile(filepath.Join(dir, name), blob, 0o644); err != nil {
		return fmt.Errorf("storage: write history record: %w", err)
	}
	return nil
}

// WriteHistoryBestEffort writes the record and logs instead of failing. A
// history write must never mask the real outcome of the run it documents.
func (s *Store) WriteHistoryBestEffort(rec *HistoryRecord) {
	if err := s.WriteHistory(rec); err != nil {
		s.logger.Warn().
			Err(err).
			Str("job_id", rec.JobID).
			Str("step_id", rec.StepID).
			Str("run_id", rec.RunID).
			Msg("storage: history write failed")
	}
}

// ReadHistory returns all history records for the job in chronological
// (filename) order, optionally filtered to a single step.
func (s *Store) ReadHistory(jobID, stepID string) ([]*HistoryRecord, error) {
	entries, err := os.ReadDir(s.historyDir(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: read history dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var records []*HistoryRecord
	for _, name := range names {
		blob, err := os.ReadFile(filepath.Join(s.historyDir(jobID), name))
		if err != nil {
			continue
		}
		var rec HistoryRecord
		if err := json.Unmarshal(blob, &rec); err != nil {
			s.logger.Warn().Str("file", name).Msg("storage: skipping unreadable history record")
			continue
		}
		if stepID != "" && rec.StepID != stepID {
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}
