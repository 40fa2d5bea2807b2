package recorder

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// stderrTailLines bounds the rolling stderr buffer kept per process.
const stderrTailLines = 50

// Spec describes one encoder invocation.
type Spec struct {
	FFmpegPath string
	SourceURL  string
	DestPath   string
	UserAgent  string
	StreamCopy bool
	LowLatency bool
}

// Process is one running encoder. Done is closed when the process exits;
// ExitErr is valid afterwards (nil means a clean stop).
type Process interface {
	Quit() error      // graceful stop request
	Terminate() error // SIGTERM
	Kill() error      // SIGKILL
	Done() <-chan struct{}
	ExitErr() error
	StderrTail() string
}

// Launcher spawns encoder processes. Swapped for a fake in tests.
type Launcher interface {
	Start(spec Spec) (Process, error)
}

// reencodeMarkers flags stream hosts whose aacp framing cannot be
// stream-copied into an ADTS container; those always get re-encoded.
var reencodeMarkers = []string{"sharp-stream.com", "instreamtest", "aacp"}

func needsReencode(url string) bool {
	lower := strings.ToLower(url)
	for _, m := range reencodeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// FFmpegLauncher runs ffmpeg reading the stream URL and writing an ADTS
// file incrementally, so even a killed process leaves a playable partial
// recording.
type FFmpegLauncher struct{}

// BuildArgs assembles the ffmpeg argument list for a spec.
func BuildArgs(spec Spec) []string {
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "warning",
	}
	if spec.LowLatency {
		args = append(args, "-flags", "low_delay")
	}
	args = append(args,
		"-user_agent", spec.UserAgent,
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "2",
		"-rw_timeout", "15000000",
		"-i", spec.SourceURL,
	)
	if spec.StreamCopy && !needsReencode(spec.SourceURL) {
		args = append(args, "-c", "copy")
	} else {
		args = append(args, "-c:a", "aac", "-b:a", "192k")
	}
	args = append(args, "-f", "adts", spec.DestPath)
	return args
}

// Start spawns ffmpeg for the spec.
func (FFmpegLauncher) Start(spec Spec) (Process, error) {
	args := BuildArgs(spec)
	slog.Debug("Starting ffmpeg", "path", spec.FFmpegPath, "args", strings.Join(args, " "))

	cmd := exec.Command(spec.FFmpegPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	p := &ffmpegProcess{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}

	go p.readStderr(stderr)
	go func() {
		p.exitErr = normalizeExit(cmd.Wait())
		close(p.done)
	}()

	return p, nil
}

type ffmpegProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	done    chan struct{}
	exitErr error

	tailMu sync.Mutex
	tail   []string
}

// Quit asks ffmpeg to finish writing and exit by sending 'q' on stdin.
func (p *ffmpegProcess) Quit() error {
	if _, err := p.stdin.Write([]byte("q\n")); err != nil {
		return fmt.Errorf("failed to send quit to ffmpeg: %w", err)
	}
	return nil
}

func (p *ffmpegProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *ffmpegProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

func (p *ffmpegProcess) StderrTail() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return strings.Join(p.tail, "\n")
}

func (p *ffmpegProcess) readStderr(r io.ReadCloser) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.tailMu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.tailMu.Unlock()
		slog.Debug("ffmpeg stderr", "line", line)
	}
	r.Close()
}

// normalizeExit maps the exit statuses ffmpeg produces on a requested stop
// to success. Exit code 255 and signal-terminated-by-interrupt both mean the
// process honored the stop; being SIGKILLed does not.
func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return err
	}
	if exitErr.ExitCode() == 255 {
		return nil
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		if state == "signal: interrupt" || state == "signal: terminated" {
			return nil
		}
	}
	return err
}
