package cron

import (
	"context"
	"testing"
	"time"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryStoresEntries(t *testing.T) {
	registry := NewRegistry()
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	registry.Register(Entry{Job: jobA, Schedule: Every(time.Minute)})
	registry.Register(Entry{Job: jobB, Schedule: DailyAt(7, nil)})
	registry.Register(Entry{Job: &stubJob{name: "no-schedule"}})
	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0] != jobA || jobs[1] != jobB {
		t.Fatalf("jobs returned out of order")
	}
	// ensure caller cannot mutate internal slice
	entries := registry.Entries()
	entries[0].Job = nil
	if registry.Entries()[0].Job == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestDailyAtNext(t *testing.T) {
	schedule := DailyAt(7, nil)
	cases := []struct {
		after time.Time
		want  time.Time
	}{
		{time.Date(2026, 3, 1, 6, 59, 0, 0, time.UTC), time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 7, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := schedule.Next(tc.after); !got.Equal(tc.want) {
			t.Fatalf("Next(%s) = %s, want %s", tc.after, got, tc.want)
		}
	}
}

func TestEveryNext(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := Every(5 * time.Minute).Next(start); !got.Equal(start.Add(5 * time.Minute)) {
		t.Fatalf("unexpected next run %s", got)
	}
}
