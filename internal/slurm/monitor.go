package slurm

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"speaker-analysis-go/internal/types"
)

// Monitor blocks until none of the submitted jobs remain in the active
// queue, polling every interval. It deliberately does not distinguish
// success from failure; jobs that crashed simply leave the queue and are
// handled downstream by the absence of their results. The returned map
// holds the best-effort final scheduler state per job ID.
//
// Cancelling the context stops the wait promptly; already-submitted jobs
// keep running on the cluster.
func Monitor(ctx context.Context, sched Scheduler, jobs []types.SubmittedJob, interval time.Duration, log *logrus.Entry) (map[string]string, error) {
	finalStates := make(map[string]string)
	if len(jobs) == 0 {
		log.Info("no jobs submitted; skipping monitoring")
		return finalStates, nil
	}

	active := append([]types.SubmittedJob(nil), jobs...)
	log.WithField("jobs", jobIDs(active)).Info("monitoring jobs")

	for {
		var remaining []types.SubmittedJob
		for _, job := range active {
			alive, err := sched.IsActive(ctx, job.JobID)
			if err != nil {
				if ctx.Err() != nil {
					return finalStates, ctx.Err()
				}
				// Mirror the queue-query contract: a job we cannot find is
				// no longer active.
				log.WithError(err).WithField("job_id", job.JobID).Warn("status query failed; treating job as finished")
				alive = false
			}
			if alive {
				remaining = append(remaining, job)
				continue
			}
			state, _ := sched.FinalState(ctx, job.JobID)
			finalStates[job.JobID] = state
			entry := log.WithFields(logrus.Fields{
				"job_id": job.JobID,
				"folder": job.Unit.Name,
			})
			if state != "" {
				entry = entry.WithField("final_state", state)
			}
			entry.Info("job left the queue")
		}
		if len(remaining) == 0 {
			log.Info("all jobs have completed")
			return finalStates, nil
		}
		active = remaining
		log.WithField("still_running", jobIDs(active)).Info("jobs still active")

		select {
		case <-ctx.Done():
			return finalStates, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func jobIDs(jobs []types.SubmittedJob) string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.JobID
	}
	return strings.Join(ids, ", ")
}
