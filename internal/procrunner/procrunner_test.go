package procrunner

import (
	"log"
	"os"
	"testing"
	"time"

	"localgitd/internal/jobs"
)

func waitTerminal(t *testing.T, m *jobs.Manager, id string, within time.Duration) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		job, ok := m.Get(id)
		if !ok {
			t.Fatalf("job %s vanished", id)
		}
		if job.State().Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return nil
}

func TestRunStreamsStdoutAndStderr(t *testing.T) {
	logger := log.New(os.Stdout, "procrunner-test ", log.LstdFlags)
	mgr := jobs.NewManager(2, 5*time.Second, logger)

	var stdoutLines, stderrLines []string
	job := mgr.Enqueue(func(rc *jobs.RunnerContext) error {
		return Run(rc, "sh", []string{"-c", "echo out-line; echo err-line 1>&2"}, ".")
	})

	waitTerminal(t, mgr, job.ID, 2*time.Second)

	replay, _, unsubscribe := job.Subscribe()
	unsubscribe()
	for _, e := range replay {
		if e.Kind != jobs.EventLog {
			continue
		}
		switch e.Stream {
		case "stdout":
			stdoutLines = append(stdoutLines, e.Line)
		case "stderr":
			stderrLines = append(stderrLines, e.Line)
		}
	}

	if len(stdoutLines) != 1 || stdoutLines[0] != "out-line" {
		t.Fatalf("expected a single stdout line %q, got %v", "out-line", stdoutLines)
	}
	if len(stderrLines) != 1 || stderrLines[0] != "err-line" {
		t.Fatalf("expected a single stderr line %q, got %v", "err-line", stderrLines)
	}
	if job.State() != jobs.StateDone {
		t.Fatalf("expected job to finish successfully, got state %v (err=%+v)", job.State(), job.Error)
	}
}

func TestRunFlushesTrailingPartialLine(t *testing.T) {
	logger := log.New(os.Stdout, "procrunner-test ", log.LstdFlags)
	mgr := jobs.NewManager(2, 5*time.Second, logger)

	job := mgr.Enqueue(func(rc *jobs.RunnerContext) error {
		return Run(rc, "sh", []string{"-c", "printf 'no-newline-tail'"}, ".")
	})

	waitTerminal(t, mgr, job.ID, 2*time.Second)

	replay, _, unsubscribe := job.Subscribe()
	unsubscribe()
	var lines []string
	for _, e := range replay {
		if e.Kind == jobs.EventLog && e.Stream == "stdout" {
			lines = append(lines, e.Line)
		}
	}
	if len(lines) != 1 || lines[0] != "no-newline-tail" {
		t.Fatalf("expected trailing partial line to be flushed, got %v", lines)
	}
}

func TestRunReportsNonZeroExit(t *testing.T) {
	logger := log.New(os.Stdout, "procrunner-test ", log.LstdFlags)
	mgr := jobs.NewManager(2, 5*time.Second, logger)

	job := mgr.Enqueue(func(rc *jobs.RunnerContext) error {
		return Run(rc, "sh", []string{"-c", "exit 3"}, ".")
	})

	finished := waitTerminal(t, mgr, job.ID, 2*time.Second)
	if finished.State() != jobs.StateError {
		t.Fatalf("expected error state for non-zero exit, got %v", finished.State())
	}
}

func TestRunKillsProcessTreeOnCancel(t *testing.T) {
	logger := log.New(os.Stdout, "procrunner-test ", log.LstdFlags)
	mgr := jobs.NewManager(2, 5*time.Second, logger)

	job := mgr.Enqueue(func(rc *jobs.RunnerContext) error {
		return Run(rc, "sh", []string{"-c", "sleep 30"}, ".")
	})

	// Give the shell a moment to actually start before cancelling it.
	time.Sleep(100 * time.Millisecond)
	if !mgr.Cancel(job.ID) {
		t.Fatalf("expected cancel to succeed on a running job")
	}

	finished := waitTerminal(t, mgr, job.ID, 3*time.Second)
	if finished.State() != jobs.StateCancelled {
		t.Fatalf("expected cancelled state, got %v", finished.State())
	}
}
