package tracklog

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// RecLog writes the sidecar track log that accompanies a recording. Each
// track boundary produces a line like
//
//	[14:19:50] [+03:12] START Artist — Title
//	[14:23:02] [+06:24] END   Artist — Title (track changed)
//
// so a finished file can be cut into tracks afterwards.
type RecLog struct {
	mu       sync.Mutex
	path     string
	lastLine string

	onLine func(string)
	now    func() time.Time
}

// NewRecLog creates a log writer for path. onLine, when non-nil, receives
// every written line.
func NewRecLog(path string, onLine func(string)) *RecLog {
	return &RecLog{path: path, onLine: onLine, now: time.Now}
}

// Start logs the beginning of a track at the given recording offset.
func (l *RecLog) Start(trackInfo string, elapsed time.Duration) {
	l.write("START", trackInfo, elapsed, "")
}

// End logs the end of a track. suffix names the reason, e.g. "track
// changed" or "stopped by user".
func (l *RecLog) End(trackInfo string, elapsed time.Duration, suffix string) {
	l.write("END", trackInfo, elapsed, suffix)
}

// LastLine returns the most recently written line.
func (l *RecLog) LastLine() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLine
}

func (l *RecLog) write(event, trackInfo string, elapsed time.Duration, suffix string) {
	l.mu.Lock()
	line := fmt.Sprintf("[%s] [%s] %-5s %s", l.now().Format("15:04:05"), formatOffset(elapsed), event, trackInfo)
	if suffix != "" {
		line += fmt.Sprintf(" (%s)", suffix)
	}
	l.lastLine = line
	path := l.path
	l.mu.Unlock()

	if err := appendLine(path, line); err != nil {
		slog.Error("Failed to write track log", "path", path, "error", err)
	}
	if l.onLine != nil {
		l.onLine(line)
	}
}

// formatOffset renders a recording offset as +MM:SS, or +HH:MM:SS past an
// hour.
func formatOffset(d time.Duration) string {
	total := int(d.Seconds())
	mm, ss := total/60, total%60
	if mm >= 60 {
		hh := mm / 60
		mm %= 60
		return fmt.Sprintf("+%02d:%02d:%02d", hh, mm, ss)
	}
	return fmt.Sprintf("+%02d:%02d", mm, ss)
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}
