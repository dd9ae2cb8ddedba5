package cron

import (
	"context"
	"time"
)

// Job represents a scheduled task that runs inside the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Schedule returns the first run time strictly after the given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

type everySchedule struct {
	interval time.Duration
}

// Every runs a job at a fixed interval.
func Every(interval time.Duration) Schedule {
	if interval <= 0 {
		interval = time.Minute
	}
	return everySchedule{interval: interval}
}

func (s everySchedule) Next(after time.Time) time.Time {
	return after.Add(s.interval)
}

type dailySchedule struct {
	hour int
	loc  *time.Location
}

// DailyAt runs a job once a day at hour:00 in loc (UTC when nil).
func DailyAt(hour int, loc *time.Location) Schedule {
	if hour < 0 || hour > 23 {
		hour = 0
	}
	if loc == nil {
		loc = time.UTC
	}
	return dailySchedule{hour: hour, loc: loc}
}

func (s dailySchedule) Next(after time.Time) time.Time {
	local := after.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, 0, 0, 0, s.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Entry pairs a job with its cadence.
type Entry struct {
	Job      Job
	Schedule Schedule
	// RunOnStart runs the job once as soon as the scheduler starts.
	RunOnStart bool
}

// Registry tracks registered cron jobs.
type Registry struct {
	entries []Entry
}

// NewRegistry builds a registry preloaded with the provided entries.
func NewRegistry(entries ...Entry) *Registry {
	registry := &Registry{}
	for _, entry := range entries {
		registry.Register(entry)
	}
	return registry
}

// Register adds an entry. Entries without a job or schedule are ignored.
func (r *Registry) Register(entry Entry) {
	if entry.Job == nil || entry.Schedule == nil {
		return
	}
	r.entries = append(r.entries, entry)
}

// Entries returns the registered entries in the order they were added.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	return entries
}

// Jobs returns the registered jobs in the order they were added.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, 0, len(r.entries))
	for _, entry := range r.entries {
		jobs = append(jobs, entry.Job)
	}
	return jobs
}
