package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roostlabs/roostd/internal/common/logger"
)

type countingJob struct {
	name  string
	err   error
	ticks atomic.Int64
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Execute(context.Context) error {
	j.ticks.Add(1)
	return j.err
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	s, err := New(logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := s.Register(&countingJob{name: "pulse"}, "* * * * *"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(&countingJob{name: "pulse"}, "* * * * *"); err == nil {
		t.Fatal("duplicate name should be rejected")
	}
}

func TestRegisterRejectsBadCronExpression(t *testing.T) {
	s, err := New(logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := s.Register(&countingJob{name: "bad"}, "not a cron"); err == nil {
		t.Fatal("invalid cron expression should be rejected")
	}
}

func TestGetNextRun(t *testing.T) {
	s, err := New(logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := s.Register(&countingJob{name: "pulse"}, "* * * * *"); err != nil {
		t.Fatal(err)
	}
	s.Start()

	next, ok := s.GetNextRun("pulse")
	if !ok {
		t.Fatal("registered job should have a next run")
	}
	if until := time.Until(next); until <= 0 || until > time.Minute+time.Second {
		t.Fatalf("next run %v is not within the next minute", next)
	}
	if _, ok := s.GetNextRun("absent"); ok {
		t.Fatal("unknown job should have no next run")
	}
}

func TestFailingTickDoesNotStopScheduler(t *testing.T) {
	s, err := New(logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	job := &countingJob{name: "flaky", err: errors.New("boom")}
	if err := s.Register(job, "* * * * *"); err != nil {
		t.Fatal(err)
	}
	s.Start()

	// The wrapper swallows the error; the job must remain scheduled.
	if _, ok := s.GetNextRun("flaky"); !ok {
		t.Fatal("job should still be scheduled after a failing tick")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s, err := New(logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	s.Start()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
