package stage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crucible-data/refinery/internal/model"
	"github.com/fsnotify/fsnotify"
)

const (
	processedDirName = "processed"
	rejectedDirName  = "rejected"
)

// Notifier receives a data-arrival signal after rows land in the raw log.
type Notifier interface {
	Notify()
}

// Config holds stage watcher parameters.
type Config struct {
	SpoolDir       string
	RescanInterval time.Duration
}

// Watcher ingests newline-delimited JSON event files dropped into a spool
// directory. A file is loaded into the raw append log in one transaction and
// only then moved to processed/, so a crash between load and move at worst
// re-offers an already-loaded file, never loses one. Filesystem notification
// is backed by a periodic rescan for events the watcher missed.
type Watcher struct {
	appender model.RawAppender
	notifier Notifier
	cfg      Config

	processedDir string
	rejectedDir  string

	files chan string
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewWatcher creates a stage watcher over cfg.SpoolDir, creating the spool,
// processed, and rejected directories as needed.
func NewWatcher(appender model.RawAppender, notifier Notifier, cfg Config) (*Watcher, error) {
	if strings.TrimSpace(cfg.SpoolDir) == "" {
		return nil, fmt.Errorf("stage: spool dir is required")
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = model.DefaultStageRescan
	}

	processedDir := filepath.Join(cfg.SpoolDir, processedDirName)
	rejectedDir := filepath.Join(cfg.SpoolDir, rejectedDirName)
	for _, dir := range []string{cfg.SpoolDir, processedDir, rejectedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("stage: create %s: %w", dir, err)
		}
	}

	return &Watcher{
		appender:     appender,
		notifier:     notifier,
		cfg:          cfg,
		processedDir: processedDir,
		rejectedDir:  rejectedDir,
		files:        make(chan string, 256),
		done:         make(chan struct{}),
	}, nil
}

// Start begins watching. Files already sitting in the spool directory are
// picked up first, which doubles as crash recovery.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("stage: filesystem watcher: %w", err)
	}
	if err := fsw.Add(w.cfg.SpoolDir); err != nil {
		fsw.Close()
		return fmt.Errorf("stage: watch %s: %w", w.cfg.SpoolDir, err)
	}

	w.wg.Add(2)
	go w.watchLoop(ctx, fsw)
	go w.loadLoop(ctx)

	w.rescan()
	return nil
}

// Stop terminates both loops and waits for an in-flight file load.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) watchLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()

	ticker := time.NewTicker(w.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				w.offer(ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Printf("stage: watch error: %v", err)
		case <-ticker.C:
			w.rescan()
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) loadLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case path := <-w.files:
			w.loadFile(ctx, path)
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// rescan re-offers every stageable file currently in the spool directory,
// oldest name first for deterministic ordering.
func (w *Watcher) rescan() {
	entries, err := os.ReadDir(w.cfg.SpoolDir)
	if err != nil {
		log.Printf("stage: rescan: %v", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.offer(filepath.Join(w.cfg.SpoolDir, name))
	}
}

func (w *Watcher) offer(path string) {
	if !stageable(path) {
		return
	}
	select {
	case w.files <- path:
	default:
		// Queue full; the next rescan re-offers anything still in the spool.
	}
}

func stageable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl", ".ndjson":
		return true
	}
	return false
}

// loadFile parses and appends one staged file, then moves it out of the
// spool. Unreadable files go to rejected/ so they stop being re-offered.
func (w *Watcher) loadFile(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		// Already moved by an earlier offer of the same file.
		return
	}

	fileID := filepath.Base(path)
	records, err := ParseEventFile(path, fileID)
	if err != nil {
		log.Printf("stage: rejecting %s: %v", fileID, err)
		w.moveTo(path, w.rejectedDir)
		return
	}

	if len(records) > 0 {
		if _, err := w.appender.AppendRawBatch(ctx, records); err != nil {
			// Leave the file in the spool; the rescan retries it once the
			// store recovers.
			log.Printf("stage: append %s failed, will retry: %v", fileID, err)
			return
		}
	}

	w.moveTo(path, w.processedDir)
	log.Printf("stage: loaded %s (%d rows)", fileID, len(records))

	if len(records) > 0 && w.notifier != nil {
		w.notifier.Notify()
	}
}

func (w *Watcher) moveTo(path, dir string) {
	dst := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		// Same file name staged twice; keep both copies apart.
		dst = filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	}
	if err := os.Rename(path, dst); err != nil {
		log.Printf("stage: move %s to %s: %v", path, dir, err)
	}
}
