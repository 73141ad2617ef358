package worker

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/ctrlplane/gateway/internal/agent/dockerdriver"
)

// handle abstracts the two C7 spawn modes (subprocess, Docker) behind one
// interface so the rest of the worker driver never branches on isolation.
type handle interface {
	Stdin() io.Writer
	Lines() <-chan []byte // merged stdout/stderr, line-buffered
	Signal(sig string) error
	Kill() error
	Wait() (exitCode int, err error)
}

// subprocessHandle wraps an *exec.Cmd — the default spawn mode (§4.7:
// "shell mode off by default").
type subprocessHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
}

func newSubprocessHandle(cmd *exec.Cmd) (*subprocessHandle, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	h := &subprocessHandle{cmd: cmd, stdin: stdin, lines: make(chan []byte, 256)}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go h.pump(stdout)
	go h.pump(stderr)

	return h, nil
}

func (h *subprocessHandle) pump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 5*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		h.lines <- line
	}
}

func (h *subprocessHandle) Stdin() io.Writer    { return h.stdin }
func (h *subprocessHandle) Lines() <-chan []byte { return h.lines }

func (h *subprocessHandle) Signal(sig string) error {
	switch sig {
	case "SIGINT":
		return h.cmd.Process.Signal(interruptSignal())
	case "SIGKILL":
		return h.cmd.Process.Kill()
	default:
		return h.cmd.Process.Kill()
	}
}

func (h *subprocessHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *subprocessHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	close(h.lines)
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// dockerHandle wraps a dockerdriver.Attached container.
type dockerHandle struct {
	driver *dockerdriver.Driver
	att    *dockerdriver.Attached
	lines  chan []byte
	ctx    context.Context
}

func newDockerHandle(ctx context.Context, driver *dockerdriver.Driver, att *dockerdriver.Attached) *dockerHandle {
	h := &dockerHandle{driver: driver, att: att, lines: make(chan []byte, 256), ctx: ctx}
	go h.pump()
	return h
}

func (h *dockerHandle) pump() {
	scanner := bufio.NewScanner(h.att.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 5*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		h.lines <- line
	}
	close(h.lines)
}

func (h *dockerHandle) Stdin() io.Writer    { return h.att.Stdin }
func (h *dockerHandle) Lines() <-chan []byte { return h.lines }

func (h *dockerHandle) Signal(sig string) error {
	return h.driver.Signal(h.ctx, h.att.ContainerID, sig)
}

func (h *dockerHandle) Kill() error {
	return h.driver.Signal(h.ctx, h.att.ContainerID, "SIGKILL")
}

func (h *dockerHandle) Wait() (int, error) {
	defer h.driver.Remove(context.Background(), h.att.ContainerID)
	return h.driver.Wait(h.ctx, h.att.ContainerID)
}

// stopTimeout is how long Stop (SIGINT) waits before escalating to Kill,
// per §5's "10s timer; on expiry, SIGKILL".
const stopTimeout = 10 * time.Second
