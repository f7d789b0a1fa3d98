// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

// Package heartbeat runs the periodic maintenance jobs of a session:
// datastore claim sweeps, pending-request eviction, price refresh. Jobs are
// cron-scheduled and run until the context ends.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/zhaopengme/mobclaw/pkg/logger"
)

// Job is one scheduled task. Run is invoked on each tick; errors are logged,
// never fatal.
type Job struct {
	Name string
	Cron string
	Run  func(ctx context.Context) error
}

// Service schedules jobs with cron expressions.
type Service struct {
	jobs []Job
	wg   sync.WaitGroup
}

func NewService() *Service { return &Service{} }

// Add registers a job. Invalid cron expressions are rejected up front so a
// typo fails at startup rather than silently never firing.
func (s *Service) Add(job Job) error {
	if !gronx.IsValid(job.Cron) {
		return fmt.Errorf("job %s has an invalid cron expression %q", job.Name, job.Cron)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches one scheduler goroutine per job. It returns immediately;
// Stop (or ctx cancellation) ends them.
func (s *Service) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.schedule(ctx, job)
		}(job)
	}
	logger.InfoCF("heartbeat", "Scheduler started", map[string]interface{}{
		"jobs": len(s.jobs),
	})
}

// Wait blocks until every scheduler goroutine has exited.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) schedule(ctx context.Context, job Job) {
	for {
		next, err := gronx.NextTickAfter(job.Cron, time.Now(), false)
		if err != nil {
			logger.ErrorCF("heartbeat", "Failed to compute next tick", map[string]interface{}{
				"job": job.Name, "error": err.Error(),
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		s.runOnce(ctx, job)
	}
}

func (s *Service) runOnce(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		logger.WarnCF("heartbeat", "Job failed", map[string]interface{}{
			"job": job.Name, "error": err.Error(),
		})
		return
	}
	logger.DebugCF("heartbeat", "Job completed", map[string]interface{}{
		"job": job.Name, "took": time.Since(start).String(),
	})
}

// Kick runs every job once, immediately. Used at startup so a process that
// restarts right before a tick does not skip a cycle.
func (s *Service) Kick(ctx context.Context) {
	for _, job := range s.jobs {
		s.runOnce(ctx, job)
	}
}
