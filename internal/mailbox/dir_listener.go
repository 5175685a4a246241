package mailbox

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DirListener feeds offers from a drop directory: every *.json file that
// appears is parsed, deleted, and then handed to the offer handler. The IMAP
// bridge writes one file per notification mail, which keeps the transport
// restartable and the pipeline testable without a mailbox.
type DirListener struct {
	dir    string
	logger *zap.SugaredLogger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped bool
}

// NewDirListener creates a listener over dir, creating it if needed.
func NewDirListener(dir string, logger *zap.SugaredLogger) (*DirListener, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DirListener{dir: dir, logger: logger, done: make(chan struct{})}, nil
}

// Start watches the directory and blocks until Stop. Files already present
// at startup are processed first (at-least-once delivery).
func (l *DirListener) Start(handler OfferHandler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return err
	}
	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				l.consume(filepath.Join(l.dir, e.Name()), handler)
			}
		}
	}

	for {
		select {
		case <-l.done:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				l.consume(ev.Name, handler)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warnw("offer directory watcher error", "error", err)
		}
	}
}

// consume parses one drop file and removes it. A file that fails to parse is
// renamed aside so it never loops.
func (l *DirListener) consume(path string, handler OfferHandler) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}

	offer, err := ParseOffer(raw)
	if err != nil {
		l.logger.Warnw("unparseable offer dropped", "path", path, "error", err)
		_ = os.Rename(path, path+".rejected")
		return
	}
	if err := os.Remove(path); err != nil {
		l.logger.Warnw("failed to remove consumed offer file", "path", path, "error", err)
	}
	handler(offer)
}

// Stop ends the watch loop.
func (l *DirListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil
	}
	l.stopped = true
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
