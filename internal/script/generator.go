// Package script renders the scheduler submission script for one work unit.
//
// The script is built from a parsed template with named slots rather than
// string concatenation, and every substituted value is vetted first, so a
// hostile folder name or config value cannot smuggle shell syntax into the
// job.
package script

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"unicode"

	"speaker-analysis-go/internal/config"
	"speaker-analysis-go/internal/types"
)

// slots carries the validated values substituted into jobTemplate.
type slots struct {
	JobName     string
	UnitName    string
	Partition   string
	CPUsPerTask int
	GPUsPerJob  int
	MemGB       int
	TimeLimit   string
	Account     string
	QoS         string

	BaseDir       string
	RepoRoot      string
	SpeakerDir    string
	WhisperXImage string
	OllamaImage   string
	Model         string
}

// The HF token is intentionally absent: the job inherits it from the
// submission environment so the credential never lands on disk.
const jobTemplate = `#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --partition={{.Partition}}
#SBATCH --nodes=1
#SBATCH --cpus-per-task={{.CPUsPerTask}}
#SBATCH --gpus={{.GPUsPerJob}}
#SBATCH --mem={{.MemGB}}G
#SBATCH --time={{.TimeLimit}}
#SBATCH --output={{.BaseDir}}/logs/{{.JobName}}_%j.out
#SBATCH --error={{.BaseDir}}/logs/{{.JobName}}_%j.err
#SBATCH --mail-type=END,FAIL
{{- if .Account}}
#SBATCH --account={{.Account}}
{{- end}}
{{- if .QoS}}
#SBATCH --qos={{.QoS}}
{{- end}}

set -euo pipefail

module load apptainer

export HF_TOKEN="${HF_TOKEN:?HF_TOKEN must be exported by the submitter}"
export PYTHONUNBUFFERED=1

REPO_ROOT="{{.RepoRoot}}"
BASE_DIR="{{.BaseDir}}"
SPEAKER_DIR="{{.SpeakerDir}}"
WHISPERX_IMAGE="{{.WhisperXImage}}"
OLLAMA_IMAGE="{{.OllamaImage}}"
OLLAMA_MODEL="{{.Model}}"

mkdir -p "$BASE_DIR/logs"

# Run WhisperX transcription over the whole folder; the transcriber fans out
# across the audio files itself.
apptainer exec --nv \
  --env LD_LIBRARY_PATH=/usr/local/lib/python3.10/dist-packages/nvidia/cudnn/lib \
  --bind "$REPO_ROOT:$REPO_ROOT" \
  --bind "$BASE_DIR:$BASE_DIR" \
  "$WHISPERX_IMAGE" \
  python3 "$REPO_ROOT/transcribe_calls.py" "$SPEAKER_DIR" --device cuda

# Launch Ollama-backed analysis
apptainer exec --nv \
  --bind "$REPO_ROOT:$REPO_ROOT" \
  --bind "$BASE_DIR:$BASE_DIR" \
  --bind "$HOME/.ollama:$HOME/.ollama" \
  "$OLLAMA_IMAGE" \
  bash <<ANALYZE
set -eo pipefail
export OLLAMA_HOST="127.0.0.1:11434"
export no_proxy="localhost,127.0.0.1"
export NO_PROXY="localhost,127.0.0.1"
unset http_proxy https_proxy HTTP_PROXY HTTPS_PROXY

ollama serve >/tmp/ollama.log 2>&1 &
OLLAMA_PID=\$!
set -u

if ! kill -0 "\$OLLAMA_PID" 2>/dev/null; then
    echo "Failed to start Ollama server, skipping analysis" >&2
    exit 1
fi
trap 'kill \$OLLAMA_PID 2>/dev/null || true' EXIT

echo "Waiting for Ollama server to be ready..."
for i in {1..12}; do
    if curl -s http://127.0.0.1:11434/api/tags >/dev/null 2>&1; then
        echo "Ollama server is ready"
        break
    fi
    echo "  Attempt \$i/12: waiting..."
    sleep 5
done

echo "Checking for model: $OLLAMA_MODEL"
if ! ollama list | grep -q "$OLLAMA_MODEL"; then
    echo "Model not found, pulling: $OLLAMA_MODEL"
    ollama pull "$OLLAMA_MODEL"
else
    echo "Model already available: $OLLAMA_MODEL"
fi

# Warm up the model with a throwaway request so it is loaded into GPU
# memory before the real analysis starts.
echo "Warming up model..."
curl -s -X POST http://127.0.0.1:11434/api/generate \
    -d '{"model": "'"$OLLAMA_MODEL"'", "prompt": "Hello", "stream": false}' >/dev/null
echo "Model warmed up and ready"

python3 "$REPO_ROOT/analyze_with_ollama.py" "$SPEAKER_DIR" --model "$OLLAMA_MODEL"
ANALYZE

echo "Pipeline completed for {{.UnitName}}"
`

// Generator renders submission scripts from the shared config snapshot.
type Generator struct {
	cfg  *config.Config
	tmpl *template.Template
}

func NewGenerator(cfg *config.Config) (*Generator, error) {
	tmpl, err := template.New("job").Parse(jobTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse job template: %w", err)
	}
	return &Generator{cfg: cfg, tmpl: tmpl}, nil
}

// ScriptPath returns where Generate writes the unit's script. Deterministic,
// so regenerating overwrites instead of accumulating.
func (g *Generator) ScriptPath(unit types.WorkUnit) string {
	return filepath.Join(g.cfg.BaseDir, unit.Name+"_pipeline.slurm")
}

// Generate writes the unit's submission script and marks it executable.
// Output is byte-identical for the same unit and config.
func (g *Generator) Generate(unit types.WorkUnit) (string, error) {
	s := slots{
		JobName:       unit.Name + "_pipeline",
		UnitName:      unit.Name,
		Partition:     g.cfg.Partition,
		CPUsPerTask:   g.cfg.CPUsPerTask,
		GPUsPerJob:    g.cfg.GPUsPerJob,
		MemGB:         g.cfg.MemGB,
		TimeLimit:     g.cfg.TimeLimit,
		Account:       g.cfg.Account,
		QoS:           g.cfg.EffectiveQoS(),
		BaseDir:       g.cfg.BaseDir,
		RepoRoot:      g.cfg.RepoRoot,
		SpeakerDir:    unit.Path,
		WhisperXImage: g.cfg.WhisperXImage,
		OllamaImage:   g.cfg.OllamaImage,
		Model:         g.cfg.OllamaModel,
	}
	if err := s.validate(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, s); err != nil {
		return "", fmt.Errorf("render job script: %w", err)
	}
	path := g.ScriptPath(unit)
	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		return "", fmt.Errorf("write job script: %w", err)
	}
	// WriteFile does not change the mode of a pre-existing file.
	if err := os.Chmod(path, 0o755); err != nil {
		return "", fmt.Errorf("chmod job script: %w", err)
	}
	return path, nil
}

func (s slots) validate() error {
	tokens := map[string]string{
		"job name":   s.JobName,
		"unit name":  s.UnitName,
		"partition":  s.Partition,
		"time limit": s.TimeLimit,
		"account":    s.Account,
		"qos":        s.QoS,
		"model":      s.Model,
	}
	for name, value := range tokens {
		if err := checkSlot(name, value, false); err != nil {
			return err
		}
	}
	paths := map[string]string{
		"base dir":       s.BaseDir,
		"repo root":      s.RepoRoot,
		"speaker dir":    s.SpeakerDir,
		"whisperx image": s.WhisperXImage,
		"ollama image":   s.OllamaImage,
	}
	for name, value := range paths {
		if err := checkSlot(name, value, true); err != nil {
			return err
		}
	}
	return nil
}

// checkSlot rejects anything capable of breaking out of the surrounding
// shell quoting. Paths may contain spaces (they are always double-quoted in
// the template); bare tokens may not.
func checkSlot(name, value string, allowSpace bool) error {
	for _, r := range value {
		switch {
		case r == '"' || r == '\'' || r == '\\' || r == '$' || r == '`':
			return fmt.Errorf("%s %q contains shell metacharacter %q", name, value, r)
		case unicode.IsControl(r):
			return fmt.Errorf("%s %q contains a control character", name, value)
		case !allowSpace && unicode.IsSpace(r):
			return fmt.Errorf("%s %q contains whitespace", name, value)
		}
	}
	return nil
}
