// Package organize routes scored calls into outcome buckets once the
// cluster jobs have drained.
package organize

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"speaker-analysis-go/internal/types"
)

const (
	// ManifestName is written by the analyzer into each speaker folder.
	ManifestName = "analysis_results.json"
	// NeedsAttentionDir collects calls scoring below the threshold.
	NeedsAttentionDir = "needs_further_attention"
	// ReviewedDir collects calls at or above the threshold.
	ReviewedDir = "reviewed"
)

// Artifact variants the transcriber/analyzer leave next to each audio file.
var siblingExtensions = []string{".vtt", ".srt", ".txt", ".json"}

// RoutedCall records one triage decision, for the run report.
type RoutedCall struct {
	Unit           string
	TranscriptFile string
	CallID         string
	Score          int
	Destination    string
}

// Organizer partitions a unit's analysis results by score threshold. The
// destination is a pure function of the score and the threshold; nothing
// else decides routing.
type Organizer struct {
	threshold int
	log       *logrus.Entry
}

func New(threshold int, log *logrus.Entry) *Organizer {
	return &Organizer{threshold: threshold, log: log.WithField("component", "organize")}
}

// Organize reads the unit's manifest and routes every entry. A missing
// manifest is a logged skip, not an error: the job either failed or has not
// produced results, and is left for manual follow-up. jobState, when known,
// is the scheduler's terminal state for the unit's job and only sharpens
// that skip diagnostic.
func (o *Organizer) Organize(unit types.WorkUnit, jobState string) ([]RoutedCall, error) {
	manifestPath := filepath.Join(unit.Path, ManifestName)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		entry := o.log.WithField("folder", unit.Name)
		if jobState != "" {
			entry = entry.WithField("job_state", jobState)
		}
		entry.Warn("no analysis results; skipping organisation")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var results map[string]types.AnalysisRecord
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	transcripts := make([]string, 0, len(results))
	for name := range results {
		transcripts = append(transcripts, name)
	}
	sort.Strings(transcripts)

	var routed []RoutedCall
	var errs *multierror.Error
	for _, transcript := range transcripts {
		call, err := o.routeRecord(unit, transcript, results[transcript])
		if err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{
				"folder":     unit.Name,
				"transcript": transcript,
			}).Error("failed to route call")
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", transcript, err))
			continue
		}
		routed = append(routed, call)
	}
	o.log.WithFields(logrus.Fields{
		"folder":       unit.Name,
		"routed_calls": len(routed),
	}).Info("organised results")
	return routed, errs.ErrorOrNil()
}

func (o *Organizer) routeRecord(unit types.WorkUnit, transcript string, rec types.AnalysisRecord) (RoutedCall, error) {
	audioName := rec.AudioFile
	if audioName == "" {
		audioName = transcript
	}
	callID := strings.TrimSuffix(audioName, filepath.Ext(audioName))

	bucket := ReviewedDir
	if rec.Score < o.threshold {
		bucket = NeedsAttentionDir
	}
	targetDir := filepath.Join(unit.Path, bucket, callID)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return RoutedCall{}, fmt.Errorf("create call dir: %w", err)
	}

	// Copy the audio and whatever sibling artifacts exist. A missing
	// sibling just means it is absent from triage; only genuinely broken
	// copies are surfaced.
	o.copyIfExists(filepath.Join(unit.Path, audioName), filepath.Join(targetDir, audioName))
	for _, ext := range siblingExtensions {
		name := callID + ext
		o.copyIfExists(filepath.Join(unit.Path, name), filepath.Join(targetDir, name))
	}

	single := map[string]types.AnalysisRecord{transcript: rec}
	payload, err := json.MarshalIndent(single, "", "  ")
	if err != nil {
		return RoutedCall{}, fmt.Errorf("encode per-call manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(targetDir, ManifestName), payload, 0o644); err != nil {
		return RoutedCall{}, fmt.Errorf("write per-call manifest: %w", err)
	}

	o.log.WithFields(logrus.Fields{
		"folder":      unit.Name,
		"call_id":     callID,
		"score":       rec.Score,
		"destination": bucket,
	}).Info("routed call")

	return RoutedCall{
		Unit:           unit.Name,
		TranscriptFile: transcript,
		CallID:         callID,
		Score:          rec.Score,
		Destination:    bucket,
	}, nil
}

// copyIfExists copies src to dst preserving mode and timestamps. Missing
// sources are silently tolerated; real I/O failures are logged and the rest
// of the entry still proceeds.
func (o *Organizer) copyIfExists(src, dst string) {
	info, err := os.Stat(src)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if err := copyFile(src, dst, info); err != nil {
		o.log.WithError(err).WithField("file", filepath.Base(src)).Error("artifact copy failed")
	}
}

func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
