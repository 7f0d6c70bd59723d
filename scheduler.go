package main

import (
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// StartSweepScheduler runs a cron-based sweep that marks stale ACTIVE
// sessions COMPLETED. The schedule is a standard 5-field cron expression
// (minute hour day-of-month month day-of-week), default "0 3 * * *".
// Completed sessions stay readable; removal is external cleanup's job.
func StartSweepScheduler(cfg Config, store *Store) {
	schedule := strings.TrimSpace(cfg.SweepSchedule)
	if schedule == "" {
		log.Println("Session sweep disabled (sweep_schedule not set)")
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid sweep_schedule '%s': %v — session sweep disabled", schedule, err)
		return
	}

	log.Printf("Session sweep scheduled (cron: %s, max age: %dd)", schedule, cfg.SessionMaxAgeDays)

	go func() {
		for {
			now := time.Now().In(cfg.Location)
			next := sched.Next(now)
			time.Sleep(next.Sub(now))

			swept, sweepErr := SweepStaleSessions(cfg, store, time.Now())
			if sweepErr != nil {
				log.Printf("Session sweep error: %v", sweepErr)
				continue
			}
			if swept > 0 {
				log.Printf("Session sweep complete: completed=%d", swept)
			}
		}
	}()
}

// SweepStaleSessions completes every ACTIVE session older than the
// configured max age. Returns how many sessions were flipped.
func SweepStaleSessions(cfg Config, store *Store, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -cfg.SessionMaxAgeDays)
	ids, err := store.ListStaleActiveSessions(cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		if err := store.UpdateSessionStatus(id, SessionStatusCompleted, "sweeper"); err != nil {
			log.Printf("sweep complete error session=%s: %v", id, err)
			continue
		}
		swept++
	}
	return swept, nil
}
