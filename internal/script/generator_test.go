package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"speaker-analysis-go/internal/config"
	"speaker-analysis-go/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		BaseDir:        t.TempDir(),
		RepoRoot:       "/repo",
		HFToken:        "hf_supersecret",
		ScoreThreshold: 75,
		WhisperXImage:  "/images/whisperx.sif",
		OllamaImage:    "/images/ollama.sif",
		OllamaModel:    "deepseek-r1:32b",
		Partition:      "gpu-rtx6k",
		CPUsPerTask:    4,
		GPUsPerJob:     1,
		MemGB:          81,
		TimeLimit:      "02:00:00",
	}
}

func testUnit(cfg *config.Config, name string) types.WorkUnit {
	return types.WorkUnit{Name: name, Path: filepath.Join(cfg.BaseDir, name)}
}

func TestGenerateWritesExecutableScript(t *testing.T) {
	cfg := testConfig(t)
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)

	path, err := gen.Generate(testUnit(cfg, "agent_a"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.BaseDir, "agent_a_pipeline.slurm"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	content := string(mustRead(t, path))
	require.Contains(t, content, "#SBATCH --job-name=agent_a_pipeline")
	require.Contains(t, content, "#SBATCH --partition=gpu-rtx6k")
	require.Contains(t, content, "#SBATCH --cpus-per-task=4")
	require.Contains(t, content, "#SBATCH --mem=81G")
	require.Contains(t, content, "agent_a_pipeline_%j.out")
	require.Contains(t, content, "--device cuda")
	require.Contains(t, content, "ollama serve")
	require.Contains(t, content, "trap 'kill \\$OLLAMA_PID 2>/dev/null || true' EXIT")
	require.Contains(t, content, "ollama pull")
	require.Contains(t, content, "Warming up model")
}

func TestGenerateIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)
	unit := testUnit(cfg, "agent_a")

	path, err := gen.Generate(unit)
	require.NoError(t, err)
	first := mustRead(t, path)

	path2, err := gen.Generate(unit)
	require.NoError(t, err)
	require.Equal(t, path, path2)
	require.Equal(t, first, mustRead(t, path))
}

func TestGenerateDerivesQoS(t *testing.T) {
	cfg := testConfig(t)
	cfg.Account = "proj1"
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)

	path, err := gen.Generate(testUnit(cfg, "agent_a"))
	require.NoError(t, err)
	content := string(mustRead(t, path))
	require.Contains(t, content, "#SBATCH --account=proj1")
	require.Contains(t, content, "#SBATCH --qos=proj1-gpu-rtx6k")
}

func TestGenerateExplicitQoSOverrides(t *testing.T) {
	cfg := testConfig(t)
	cfg.Account = "proj1"
	cfg.QoS = "urgent"
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)

	path, err := gen.Generate(testUnit(cfg, "agent_a"))
	require.NoError(t, err)
	content := string(mustRead(t, path))
	require.Contains(t, content, "#SBATCH --qos=urgent")
	require.NotContains(t, content, "proj1-gpu-rtx6k")
}

func TestGenerateOmitsQoSWithoutAccount(t *testing.T) {
	cfg := testConfig(t)
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)

	path, err := gen.Generate(testUnit(cfg, "agent_a"))
	require.NoError(t, err)
	content := string(mustRead(t, path))
	require.NotContains(t, content, "--qos")
	require.NotContains(t, content, "--account")
}

func TestGenerateNeverEmbedsCredential(t *testing.T) {
	cfg := testConfig(t)
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)

	path, err := gen.Generate(testUnit(cfg, "agent_a"))
	require.NoError(t, err)
	content := string(mustRead(t, path))
	require.NotContains(t, content, cfg.HFToken)
	require.Contains(t, content, "${HF_TOKEN")
}

func TestGenerateRejectsShellMetacharacters(t *testing.T) {
	cases := map[string]func(*config.Config){
		"partition with quote":  func(c *config.Config) { c.Partition = `gpu"rtx6k` },
		"partition with dollar": func(c *config.Config) { c.Partition = "gpu-$PART" },
		"account with backtick": func(c *config.Config) { c.Account = "proj`id`" },
		"model with whitespace": func(c *config.Config) { c.OllamaModel = "deepseek r1" },
		"time with newline":     func(c *config.Config) { c.TimeLimit = "02:00:00\nrm -rf /" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(cfg)
			gen, err := NewGenerator(cfg)
			require.NoError(t, err)
			_, err = gen.Generate(testUnit(cfg, "agent_a"))
			require.Error(t, err)
		})
	}
}

func TestGenerateRejectsHostileUnitName(t *testing.T) {
	cfg := testConfig(t)
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)
	_, err = gen.Generate(types.WorkUnit{Name: `agent"; rm -rf /`, Path: cfg.BaseDir})
	require.Error(t, err)
}

func TestGenerateUnwritableTarget(t *testing.T) {
	cfg := testConfig(t)
	cfg.BaseDir = filepath.Join(cfg.BaseDir, "missing-subdir")
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)
	_, err = gen.Generate(testUnit(cfg, "agent_a"))
	require.Error(t, err)
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
