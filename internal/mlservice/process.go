package mlservice

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// process is the ML subprocess. Its output is forwarded line by line to the
// structured logger.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

func startProcess(command string, args []string) (*process, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	slog.Info("ml service process started", "command", command, "pid", cmd.Process.Pid)

	p := &process{cmd: cmd, done: make(chan struct{})}
	var pipes sync.WaitGroup
	pipes.Add(2)
	go forwardLines(&pipes, stdout, slog.LevelInfo)
	go forwardLines(&pipes, stderr, slog.LevelWarn)
	go func() {
		pipes.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
		slog.Info("ml service process exited", "pid", cmd.Process.Pid, "error", err)
	}()
	return p, nil
}

func forwardLines(wg *sync.WaitGroup, r io.Reader, level slog.Level) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		slog.Log(context.Background(), level, sc.Text(), "source", "ml-service")
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// stop asks the process to exit and kills it if ctx ends first.
func (p *process) stop(ctx context.Context) error {
	if p.exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
		return ctx.Err()
	}
}
