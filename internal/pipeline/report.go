package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// PhaseReport captures one phase of a run for the diagnostic artifact.
type PhaseReport struct {
	Phase     string        `json:"phase"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Retries   int           `json:"retries,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// NormalizationReport records the outcome of the background schema
// normalization task.
type NormalizationReport struct {
	Outcome    string   `json:"outcome"` // recorded, violations, parse_failed, timed_out, error
	CacheKeys  []string `json:"cache_keys,omitempty"`
	Violations []string `json:"violations,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Report is the per-run diagnostic artifact, written as JSON after every
// run whether it succeeded or not.
type Report struct {
	RunID          string               `json:"run_id"`
	Prompt         string               `json:"prompt"`
	StartedAt      time.Time            `json:"started_at"`
	CompletedAt    time.Time            `json:"completed_at"`
	Phases         []PhaseReport        `json:"phases"`
	LastRawPayload string               `json:"last_raw_payload,omitempty"`
	NodeStatuses   map[string]string    `json:"node_statuses,omitempty"`
	Normalization  *NormalizationReport `json:"normalization,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// ReportWriter persists run reports to a directory, one uuid-named JSON
// file per run. Writing is best-effort: failures are logged and swallowed
// so diagnostics can never fail a request.
type ReportWriter struct {
	dir    string
	logger *slog.Logger
}

// NewReportWriter creates a writer rooted at dir. An empty dir disables
// report writing.
func NewReportWriter(dir string, logger *slog.Logger) *ReportWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportWriter{dir: dir, logger: logger}
}

// Write persists the report and returns its path, or "" when writing is
// disabled or failed.
func (w *ReportWriter) Write(ctx context.Context, report *Report) string {
	if w.dir == "" {
		return ""
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.WarnContext(ctx, "report directory unavailable", "dir", w.dir, "error", err)
		return ""
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		w.logger.WarnContext(ctx, "report not serializable", "run_id", report.RunID, "error", err)
		return ""
	}

	path := filepath.Join(w.dir, report.RunID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		w.logger.WarnContext(ctx, "report write failed", "path", path, "error", err)
		return ""
	}
	return path
}
