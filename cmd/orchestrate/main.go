package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"speaker-analysis-go/internal/config"
	"speaker-analysis-go/internal/logger"
	"speaker-analysis-go/internal/pipeline"
	"speaker-analysis-go/internal/slurm"
)

func main() {
	_ = godotenv.Load() // loads .env

	cfg := config.Config{}
	var pollMinutes int

	root := &cobra.Command{
		Use:           "orchestrate <base-dir>",
		Short:         "Submit WhisperX + Ollama call-analysis jobs to SLURM and triage the results",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.BaseDir = args[0]
			cfg.PollInterval = time.Duration(pollMinutes) * time.Minute
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logger.New().WithRun()
			log.WithField("base_dir", cfg.BaseDir).Info("starting orchestration run")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The token travels through the submission environment only; it
			// is never rendered into the generated scripts.
			sched := &slurm.CLI{ExtraEnv: []string{"HF_TOKEN=" + cfg.HFToken}}
			orch, err := pipeline.New(&cfg, sched, log)
			if err != nil {
				return err
			}
			if err := orch.Run(ctx); err != nil {
				if ctx.Err() != nil {
					log.Warn("interrupted; already-submitted jobs keep running on the cluster")
					os.Exit(130)
				}
				return err
			}
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.HFToken, "hf-token", os.Getenv("HF_TOKEN"), "Hugging Face token for WhisperX speaker diarization")
	flags.IntVar(&cfg.ScoreThreshold, "threshold", envOrInt("SCORE_THRESHOLD", config.DefaultScoreThreshold), "score threshold separating reviewed vs needs attention")
	flags.StringVar(&cfg.RepoRoot, "repo-root", envOr("REPO_ROOT", "."), "repository root mounted into the containers")
	flags.StringVar(&cfg.WhisperXImage, "whisperx-image", os.Getenv("WHISPERX_IMAGE"), "path to the WhisperX Apptainer image (.sif)")
	flags.StringVar(&cfg.OllamaImage, "ollama-image", os.Getenv("OLLAMA_IMAGE"), "path to the Ollama Apptainer image (.sif)")
	flags.StringVar(&cfg.OllamaModel, "ollama-model", envOr("OLLAMA_MODEL", config.DefaultOllamaModel), "model expected to exist inside the Ollama image")
	flags.StringVar(&cfg.Partition, "partition", envOr("SLURM_PARTITION", config.DefaultGPUPartition), "SLURM partition to target")
	flags.IntVar(&cfg.CPUsPerTask, "cpus", envOrInt("SLURM_CPUS", config.DefaultCPUsPerTask), "CPUs per job")
	flags.IntVar(&cfg.GPUsPerJob, "gpus", envOrInt("SLURM_GPUS", config.DefaultGPUsPerJob), "GPUs per job")
	flags.IntVar(&cfg.MemGB, "mem", envOrInt("SLURM_MEM_GB", config.DefaultMemGB), "memory per job (GB)")
	flags.StringVar(&cfg.TimeLimit, "time-limit", envOr("SLURM_TIME_LIMIT", config.DefaultJobTime), "wall clock limit per job (HH:MM:SS)")
	flags.StringVar(&cfg.Account, "account", os.Getenv("SLURM_ACCOUNT"), "optional SLURM account")
	flags.StringVar(&cfg.QoS, "qos", os.Getenv("SLURM_QOS"), "SLURM QoS; omit to derive it from account and partition")
	flags.IntVar(&pollMinutes, "poll-minutes", envOrInt("POLL_MINUTES", 3), "minutes between scheduler status polls")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envOrInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
