package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

var (
	// ErrBinaryUnset indicates the plugin entrypoint command was empty.
	ErrBinaryUnset = errors.New("supervisor: plugin binary path is empty")
	// ErrBinaryMissing indicates the plugin entrypoint does not exist.
	ErrBinaryMissing = errors.New("supervisor: plugin binary not found")
)

// execLauncher is the production ProcessLauncher, spawning real plugin
// processes.
type execLauncher struct{}

func (execLauncher) Launch(ctx context.Context, binary string, args []string, env []string) (ProcessHandle, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, ErrBinaryUnset
	}
	if _, err := os.Stat(binary); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBinaryMissing, binary)
		}
		return nil, fmt.Errorf("supervisor: stat plugin binary: %w", err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binary, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("supervisor: start plugin process: %w", err)
	}

	handle := &execHandle{
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go handle.wait()
	return handle, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan error
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	h.done <- err
	close(h.done)
}

// Stop asks the process to exit with SIGTERM and escalates to a hard kill
// when ctx expires first.
func (h *execHandle) Stop(ctx context.Context) error {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-ctx.Done():
		h.cancel()
		<-h.done
		return ctx.Err()
	case err := <-h.done:
		h.cancel()
		if err == nil {
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
