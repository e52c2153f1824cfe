package gateway

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	maxFrameSize       = 4 * 1024 * 1024
	stderrDrainTimeout = 2 * time.Second
)

// lineFramer frames JSON-RPC messages as newline-delimited JSON
type lineFramer struct {
	scanner *bufio.Scanner
	w       io.Writer
	closers []io.Closer
	once    sync.Once
}

func newLineFramer(r io.Reader, w io.Writer, closers ...io.Closer) *lineFramer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &lineFramer{scanner: scanner, w: w, closers: closers}
}

func (f *lineFramer) ReadFrame() ([]byte, error) {
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}
		return nil, io.EOF
	}
	// the scanner reuses its buffer
	line := f.scanner.Bytes()
	frame := make([]byte, len(line))
	copy(frame, line)
	return frame, nil
}

func (f *lineFramer) WriteFrame(frame []byte) error {
	_, err := f.w.Write(append(frame, '\n'))
	return err
}

func (f *lineFramer) Close() error {
	var firstErr error
	f.once.Do(func() {
		for _, c := range f.closers {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// NewStdioClient starts the backend as a child process and speaks JSON-RPC over its stdin/stdout
func NewStdioClient(command string, args []string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("backend command cannot be empty")
	}

	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start backend process: %w", err)
	}

	name := "stdio:" + command
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		logStderr(name, stderr, logger)
	}()

	stop := func() error {
		if err := cmd.Process.Kill(); err != nil {
			logger.Warn("failed to kill backend process", "error", err)
		}
		// Wait closes the stderr pipe, so every read on it must finish first
		select {
		case <-stderrDone:
		case <-time.After(stderrDrainTimeout):
			logger.Warn("backend stderr still open after kill", "gateway", name)
		}
		cmd.Wait() // reap
		return nil
	}

	logger.Info("started backend process", "command", command, "args", args, "pid", cmd.Process.Pid)
	return newClient(name, newLineFramer(stdout, stdin, stdin, stdout), logger, stop), nil
}

// logStderr logs stderr output from the backend process
func logStderr(name string, stderr io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Warn("backend stderr", "gateway", name, "message", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("stopped reading backend stderr", "gateway", name, "error", err)
	}
}
