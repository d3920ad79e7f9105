// Package pipeline drives one full orchestration pass: discovery, script
// generation, submission, monitoring, and result triage. The orchestrator
// itself is single-threaded; all real concurrency lives in the cluster.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"speaker-analysis-go/internal/config"
	"speaker-analysis-go/internal/discover"
	"speaker-analysis-go/internal/organize"
	"speaker-analysis-go/internal/report"
	"speaker-analysis-go/internal/script"
	"speaker-analysis-go/internal/slurm"
	"speaker-analysis-go/internal/types"
)

// ReportName is the workbook written next to the speaker folders.
const ReportName = "triage_report.xlsx"

type Orchestrator struct {
	cfg   *config.Config
	sched slurm.Scheduler
	gen   *script.Generator
	org   *organize.Organizer
	log   *logrus.Entry
}

func New(cfg *config.Config, sched slurm.Scheduler, log *logrus.Entry) (*Orchestrator, error) {
	gen, err := script.NewGenerator(cfg)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:   cfg,
		sched: sched,
		gen:   gen,
		org:   organize.New(cfg.ScoreThreshold, log),
		log:   log,
	}, nil
}

// Run executes one orchestration pass. Per-unit failures (generation,
// submission, organisation) are logged and collected but never abort the
// other units; the pass only stops early when discovery fails or the
// context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(o.cfg.BaseDir, "logs"), 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}

	units, err := discover.Discover(o.cfg.BaseDir, o.log)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		o.log.Info("no speaker folders discovered; nothing to do")
		return nil
	}

	var errs *multierror.Error
	var submitted []types.SubmittedJob
	for _, unit := range units {
		scriptPath, err := o.gen.Generate(unit)
		if err != nil {
			o.log.WithError(err).WithField("folder", unit.Name).Error("script generation failed")
			errs = multierror.Append(errs, fmt.Errorf("generate %s: %w", unit.Name, err))
			continue
		}
		jobID, err := o.sched.Submit(ctx, scriptPath)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.WithError(err).WithField("folder", unit.Name).Error("submission failed")
			errs = multierror.Append(errs, fmt.Errorf("submit %s: %w", unit.Name, err))
			continue
		}
		o.log.WithFields(logrus.Fields{
			"folder": unit.Name,
			"job_id": jobID,
		}).Info("submitted job")
		submitted = append(submitted, types.SubmittedJob{
			Unit:        unit,
			JobID:       jobID,
			SubmittedAt: time.Now(),
		})
	}

	finalStates, err := slurm.Monitor(ctx, o.sched, submitted, o.cfg.PollInterval, o.log)
	if err != nil {
		return err
	}

	jobByUnit := make(map[string]types.SubmittedJob, len(submitted))
	for _, job := range submitted {
		jobByUnit[job.Unit.Name] = job
	}

	var routed []organize.RoutedCall
	for _, unit := range units {
		jobState := ""
		if job, ok := jobByUnit[unit.Name]; ok {
			jobState = finalStates[job.JobID]
		}
		calls, err := o.org.Organize(unit, jobState)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("organise %s: %w", unit.Name, err))
		}
		routed = append(routed, calls...)
	}

	if len(routed) > 0 {
		if err := report.Write(filepath.Join(o.cfg.BaseDir, ReportName), routed, o.log); err != nil {
			o.log.WithError(err).Error("failed to write triage report")
			errs = multierror.Append(errs, err)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		// Partial failure is an expected outcome of a batch run; the
		// process still exits zero.
		o.log.WithField("failures", len(errs.Errors)).Warn("run finished with per-unit failures")
	} else {
		o.log.Info("run finished cleanly")
	}
	return nil
}
