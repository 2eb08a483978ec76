// Package logger records session reports to rotating CSV files.
package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/gpslink/internal/config"
	"github.com/shaunagostinho/gpslink/internal/session"
)

// Logger writes fixes and link events to CSV files with automatic rotation.
// Publish hands reports to a background writer so the event loop never
// waits on the disk.
type Logger struct {
	log logrus.FieldLogger
	now func() time.Time

	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int

	queue     chan session.Report
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows (~5.5 hrs at 5 Hz)
	queueDepth     = 64
)

var csvHeader = []string{
	"timestamp", "event", "state",
	"fix_valid", "lat", "lon", "fix_age_ms",
	"utc_time", "line",
}

// New creates a Logger and starts its writer.
func New(cfg config.RecorderConfig, log logrus.FieldLogger) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/gpslink"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = time.Second
	}
	l := &Logger{
		log:      log.WithField("module", "recorder"),
		now:      time.Now,
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		queue:    make(chan session.Report, queueDepth),
		done:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// SetEnabled allows toggling recording at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Publish queues r for writing. Reports are dropped while the writer is
// behind.
func (l *Logger) Publish(r session.Report) {
	select {
	case l.queue <- r:
	default:
		l.log.Debugf("writer behind, dropping %s", r.Kind)
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case r := <-l.queue:
			l.Record(r)
		}
	}
}

// Record writes r. Location updates are thinned to one per interval; every
// other report is written as it comes.
func (l *Logger) Record(r session.Report) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := l.now()
	if r.Location != nil {
		if now.Sub(l.lastTs) < l.interval {
			return
		}
		l.lastTs = now
	}

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			l.log.WithError(err).Error("rotate failed")
			return
		}
	}

	if err := l.writer.Write(buildRow(now, r)); err != nil {
		l.log.WithError(err).Error("write failed")
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close stops the writer, then flushes and closes the current file.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("gps_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Infof("opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, r session.Report) []string {
	row := make([]string, len(csvHeader))

	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = r.Kind
	row[2] = r.State

	if loc := r.Location; loc != nil {
		row[3] = boolStr(loc.Valid)
		row[4] = fmt.Sprintf("%.6f", loc.Latitude)
		row[5] = fmt.Sprintf("%.6f", loc.Longitude)
		row[6] = strconv.FormatInt(loc.Age.Milliseconds(), 10)
	}
	if dt := r.Datetime; dt != nil && dt.Valid {
		row[7] = fmt.Sprintf("%02d:%02d:%02d", dt.Hours, dt.Minutes, dt.Seconds)
	}
	row[8] = r.Line

	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
