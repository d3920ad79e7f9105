// Package slurm wraps the cluster's batch scheduler CLI behind a small
// capability interface so orchestration logic never shells out directly and
// tests can substitute a fake scheduler.
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// Scheduler is the capability surface the orchestrator needs from the batch
// system. The scheduler's own state is authoritative; we only submit and
// observe.
type Scheduler interface {
	// Submit queues the script and returns the scheduler's opaque job ID.
	Submit(ctx context.Context, scriptPath string) (string, error)
	// IsActive reports whether the job still appears in the active queue.
	// A job that never existed or already finished is simply not active.
	IsActive(ctx context.Context, jobID string) (bool, error)
	// FinalState is a best-effort lookup of the job's terminal state
	// (COMPLETED, FAILED, TIMEOUT, ...) once it left the queue. Empty when
	// the accounting backend has nothing to say.
	FinalState(ctx context.Context, jobID string) (string, error)
}

const submitMaxRetries = 3

// CLI drives SLURM through sbatch, squeue, and sacct.
type CLI struct {
	// ExtraEnv is appended to the submission command's environment. This is
	// how the HF token reaches the job without ever being written to disk.
	ExtraEnv []string
}

var _ Scheduler = (*CLI)(nil)

func (c *CLI) Submit(ctx context.Context, scriptPath string) (string, error) {
	var jobID string
	op := func() error {
		cmd := exec.CommandContext(ctx, "sbatch", scriptPath)
		cmd.Env = append(os.Environ(), c.ExtraEnv...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("sbatch %s: %v: %s", filepath.Base(scriptPath), err, strings.TrimSpace(stderr.String()))
		}
		fields := strings.Fields(stdout.String())
		if len(fields) == 0 {
			return backoff.Permanent(fmt.Errorf("sbatch %s: empty output", filepath.Base(scriptPath)))
		}
		// sbatch prints "Submitted batch job <id>"; the ID is the last token.
		jobID = fields[len(fields)-1]
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), submitMaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", err
	}
	return jobID, nil
}

func (c *CLI) IsActive(ctx context.Context, jobID string) (bool, error) {
	cmd := exec.CommandContext(ctx, "squeue", "-j", jobID, "--noheader")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		// squeue exits non-zero for unknown or expired job IDs; either way
		// the job is no longer in the queue.
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return strings.TrimSpace(stdout.String()) != "", nil
}

func (c *CLI) FinalState(ctx context.Context, jobID string) (string, error) {
	cmd := exec.CommandContext(ctx, "sacct", "-j", jobID, "-X", "--noheader", "--format=State")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		// Accounting may be disabled on the cluster; that is fine.
		return "", nil
	}
	fields := strings.Fields(stdout.String())
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}
