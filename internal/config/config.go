package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultGPUPartition   = "gpu-rtx6k"
	DefaultJobTime        = "02:00:00"
	DefaultOllamaModel    = "deepseek-r1:32b"
	DefaultScoreThreshold = 75
	DefaultCPUsPerTask    = 4
	DefaultGPUsPerJob     = 1
	DefaultMemGB          = 81
	DefaultPollInterval   = 3 * time.Minute
)

// Config is the immutable settings snapshot shared read-only by every stage.
// Populated once from flags/env at startup, then validated.
type Config struct {
	BaseDir        string
	RepoRoot       string
	HFToken        string
	ScoreThreshold int

	WhisperXImage string
	OllamaImage   string
	OllamaModel   string

	Partition   string
	CPUsPerTask int
	GPUsPerJob  int
	MemGB       int
	TimeLimit   string
	Account     string
	QoS         string

	PollInterval time.Duration
}

// EffectiveQoS resolves the QoS to request: an explicit override wins,
// otherwise accounts on gpu-* partitions follow the cluster's
// <account>-gpu-<type> naming convention. Empty means no QoS line.
func (c *Config) EffectiveQoS() string {
	if c.QoS != "" {
		return c.QoS
	}
	if c.Account != "" && strings.HasPrefix(c.Partition, "gpu-") {
		return c.Account + "-gpu-" + strings.TrimPrefix(c.Partition, "gpu-")
	}
	return ""
}

// Validate covers the fatal-only preconditions (missing credential, images,
// or base directory abort the whole run before any work starts) and resolves
// the configured paths to absolute form, since the generated scripts embed
// them for use on other machines.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base directory must be provided")
	}
	abs, err := filepath.Abs(c.BaseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	c.BaseDir = abs
	info, err := os.Stat(c.BaseDir)
	if err != nil {
		return fmt.Errorf("base directory %s: %w", c.BaseDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("base directory %s is not a directory", c.BaseDir)
	}

	if c.HFToken == "" {
		return fmt.Errorf("Hugging Face token must be provided (via --hf-token or HF_TOKEN)")
	}

	if c.RepoRoot == "" {
		c.RepoRoot = "."
	}
	if c.RepoRoot, err = filepath.Abs(c.RepoRoot); err != nil {
		return fmt.Errorf("resolve repo root: %w", err)
	}

	if err := c.resolveImage(&c.WhisperXImage, "WhisperX", "--whisperx-image or WHISPERX_IMAGE"); err != nil {
		return err
	}
	if err := c.resolveImage(&c.OllamaImage, "Ollama", "--ollama-image or OLLAMA_IMAGE"); err != nil {
		return err
	}

	if c.ScoreThreshold < 0 || c.ScoreThreshold > 100 {
		return fmt.Errorf("score threshold %d out of range 0-100", c.ScoreThreshold)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return nil
}

func (c *Config) resolveImage(path *string, name, hint string) error {
	if *path == "" {
		return fmt.Errorf("%s image path must be provided (via %s)", name, hint)
	}
	abs, err := filepath.Abs(*path)
	if err != nil {
		return fmt.Errorf("resolve %s image path: %w", name, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("%s image %s: %w", name, abs, err)
	}
	*path = abs
	return nil
}
