package trans

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	return cmd
}

func TestRegisterUnregisterDoesNotKillProcess(t *testing.T) {
	r := New()
	cmd := startSleeper(t)
	defer cmd.Process.Kill()

	e := r.Register(cmd, nil, cmd.Process.Pid)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	r.Unregister(e)
	if r.Len() != 0 {
		t.Fatalf("Len() after Unregister = %d, want 0", r.Len())
	}
	if cmd.ProcessState != nil {
		t.Fatalf("Unregister must not wait on or kill the process")
	}
}

func TestShutdownAllEmptiesRegistry(t *testing.T) {
	r := New()
	var cmds []*exec.Cmd
	for i := 0; i < 3; i++ {
		cmd := exec.Command("sleep", "0.1")
		if err := cmd.Start(); err != nil {
			t.Skipf("sleep not available: %v", err)
		}
		cmds = append(cmds, cmd)
		r.Register(cmd, nil, cmd.Process.Pid)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.ShutdownAll(ctx, true); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() after ShutdownAll = %d, want 0", r.Len())
	}
}

func TestReaperUnregistersOnExit(t *testing.T) {
	r := New()
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("true not available: %v", err)
	}
	r.Register(cmd, nil, cmd.Process.Pid)

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.Len() != 0 {
		t.Fatalf("reaper did not unregister exited translator")
	}
}
