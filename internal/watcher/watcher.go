// Package watcher tails log files and turns lines at or above a minimum level
// into log incidents.
package watcher

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/hpcloud/tail"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/sentinell/internal/ingest"
	"github.com/joescharf/sentinell/internal/models"
)

// DefaultMinLevel is the lowest level that raises an incident when none is configured.
const DefaultMinLevel = "error"

var (
	plainLevel = regexp.MustCompile(`\b(DEBUG|INFO|WARN|WARNING|ERROR|CRITICAL|FATAL)\b`)
	jsonLevel  = regexp.MustCompile(`"(?:level|severity)"\s*:\s*"([A-Za-z]+)"`)
)

// levelRank orders the recognised levels. Unknown levels are absent.
var levelRank = map[string]int{
	"debug":    0,
	"info":     1,
	"warn":     2,
	"warning":  2,
	"error":    3,
	"critical": 4,
	"fatal":    4,
}

// Ingester files log incidents.
type Ingester interface {
	IngestLog(ctx context.Context, l ingest.LogSignal) (*models.Incident, error)
}

// Config selects which files are watched and what gets reported.
type Config struct {
	Files    []string
	RepoID   string
	MinLevel string
	// FromStart reads existing file content instead of only new lines.
	FromStart bool
	// Poll uses stat polling instead of inotify.
	Poll bool
}

// Watcher follows log files.
type Watcher struct {
	cfg      Config
	minRank  int
	ingester Ingester
	logger   *zap.Logger
}

// New validates cfg and returns a Watcher.
func New(cfg Config, ing Ingester, logger *zap.Logger) (*Watcher, error) {
	if cfg.MinLevel == "" {
		cfg.MinLevel = DefaultMinLevel
	}
	rank, ok := levelRank[strings.ToLower(cfg.MinLevel)]
	if !ok {
		return nil, fmt.Errorf("unknown watcher min level %q", cfg.MinLevel)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{cfg: cfg, minRank: rank, ingester: ing, logger: logger.Named("watcher")}, nil
}

// ParseLevel finds the level token in a log line, normalised to lower case.
// JSON "level" or "severity" fields win over bare tokens.
func ParseLevel(line string) (string, bool) {
	if m := jsonLevel.FindStringSubmatch(line); m != nil {
		lvl := strings.ToLower(m[1])
		if _, ok := levelRank[lvl]; ok {
			return lvl, true
		}
	}
	if m := plainLevel.FindString(line); m != "" {
		return strings.ToLower(m), true
	}
	return "", false
}

// Run tails every configured file until ctx is cancelled. It returns an error
// only when a file cannot be opened for tailing.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.cfg.Files) == 0 {
		w.logger.Debug("no files configured")
		<-ctx.Done()
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, file := range w.cfg.Files {
		t, err := w.open(file)
		if err != nil {
			return err
		}
		g.Go(func() error {
			w.follow(gCtx, file, t)
			return nil
		})
	}
	w.logger.Info("watching log files", zap.Strings("files", w.cfg.Files), zap.String("min_level", w.cfg.MinLevel))
	return g.Wait()
}

func (w *Watcher) open(file string) (*tail.Tail, error) {
	cfg := tail.Config{
		Follow: true,
		ReOpen: true,
		Poll:   w.cfg.Poll,
		Logger: tail.DiscardingLogger,
	}
	if !w.cfg.FromStart {
		cfg.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}
	t, err := tail.TailFile(file, cfg)
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", file, err)
	}
	return t, nil
}

func (w *Watcher) follow(ctx context.Context, file string, t *tail.Tail) {
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	source := filepath.Base(file)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				w.logger.Info("tail closed", zap.String("file", file))
				return
			}
			if line.Err != nil {
				w.logger.Warn("read log line", zap.String("file", file), zap.Error(line.Err))
				continue
			}
			w.handle(ctx, file, source, line)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, file, source string, line *tail.Line) {
	text := strings.TrimSpace(line.Text)
	if text == "" {
		return
	}
	level, ok := ParseLevel(text)
	if !ok || levelRank[level] < w.minRank {
		return
	}

	inc, err := w.ingester.IngestLog(ctx, ingest.LogSignal{
		RepoID:     w.cfg.RepoID,
		SourceID:   source,
		Message:    text,
		Level:      level,
		OccurredAt: line.Time,
		Metadata: map[string]any{
			"file":    file,
			"line_id": uuid.NewString(),
		},
	})
	if err != nil {
		w.logger.Error("ingest log line", zap.String("file", file), zap.Error(err))
		return
	}
	w.logger.Info("log incident queued", zap.String("incident_id", inc.ID), zap.String("level", level))
}
