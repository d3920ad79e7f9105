package types

import (
	"encoding/json"
	"time"
)

// WorkUnit is one agent's folder of call recordings, processed as a single
// cluster job. Immutable after discovery.
type WorkUnit struct {
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	AudioFiles []string `json:"audio_files,omitempty"`
}

// SubmittedJob ties a work unit to the scheduler job running its pipeline.
// Not persisted anywhere; a fresh run re-submits.
type SubmittedJob struct {
	Unit        WorkUnit
	JobID       string
	SubmittedAt time.Time
}

// AnalysisRecord is one entry of a unit's analysis_results.json, produced by
// the analyzer on the compute node. Only Score and AudioFile are load-bearing
// for triage; everything else the analyzer wrote is kept opaque in Raw so the
// per-call manifest round-trips unchanged.
type AnalysisRecord struct {
	Score     int
	AudioFile string
	Raw       json.RawMessage
}

func (r *AnalysisRecord) UnmarshalJSON(data []byte) error {
	var fields struct {
		Score     int    `json:"score"`
		AudioFile string `json:"audio_file"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.Score = fields.Score
	r.AudioFile = fields.AudioFile
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (r AnalysisRecord) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(struct {
		Score     int    `json:"score"`
		AudioFile string `json:"audio_file,omitempty"`
	}{r.Score, r.AudioFile})
}
