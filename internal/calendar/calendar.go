// Package calendar classifies dates as working or non-working days.
//
// The holiday sets live in a JSON file that operators edit while the process
// runs; the calendar watches the file and re-reads it when its modification
// time changes. Reads are process-wide and safe for concurrent use.
package calendar

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/entity"
)

// holidayFile is the on-disk shape of holidays.json.
type holidayFile struct {
	ExtraHolidays   []string          `json:"extraHolidays"`
	WorkingHolidays []string          `json:"workingHolidays"`
	Names           map[string]string `json:"names,omitempty"`
}

// Calendar answers business-day queries against weekend rules, extra
// holidays, and working-holiday overrides.
type Calendar struct {
	path   string
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	extra    map[entity.Date]bool
	working  map[entity.Date]bool
	names    map[entity.Date]string
	loadedAt time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New builds a calendar backed by the holiday file at path. A missing file is
// not an error: the calendar starts with empty holiday sets and picks the
// file up once it appears.
func New(path string, logger *zap.SugaredLogger) (*Calendar, error) {
	c := &Calendar{
		path:    path,
		logger:  logger,
		extra:   make(map[entity.Date]bool),
		working: make(map[entity.Date]bool),
		names:   make(map[entity.Date]string),
		done:    make(chan struct{}),
	}
	if err := c.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnw("holiday watcher unavailable, falling back to mtime polling", "error", err)
	} else {
		c.watcher = watcher
		// Watch the directory, not the file: editors replace the file on save.
		if err := watcher.Add(dirOf(path)); err != nil {
			logger.Warnw("failed to watch holiday directory", "path", path, "error", err)
		}
		go c.watch()
	}
	return c, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func (c *Calendar) watch() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == c.path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if err := c.reload(); err != nil {
					c.logger.Warnw("holiday reload failed", "path", c.path, "error", err)
				}
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warnw("holiday watcher error", "error", err)
		}
	}
}

// Close stops the file watcher.
func (c *Calendar) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}

// reload re-reads the holiday file if it exists.
func (c *Calendar) reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var file holidayFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return err
	}

	extra := make(map[entity.Date]bool, len(file.ExtraHolidays))
	working := make(map[entity.Date]bool, len(file.WorkingHolidays))
	names := make(map[entity.Date]string, len(file.Names))
	for _, s := range file.ExtraHolidays {
		if d, err := entity.ParseDate(s); err == nil {
			extra[d] = true
		}
	}
	for _, s := range file.WorkingHolidays {
		if d, err := entity.ParseDate(s); err == nil {
			working[d] = true
		}
	}
	for s, name := range file.Names {
		if d, err := entity.ParseDate(s); err == nil {
			names[d] = name
		}
	}

	c.mu.Lock()
	c.extra = extra
	c.working = working
	c.names = names
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// maybeReload re-reads the file when its mtime moved past the last load.
// This backs up the fsnotify path and covers platforms without a watcher.
func (c *Calendar) maybeReload() {
	info, err := os.Stat(c.path)
	if err != nil {
		return
	}
	c.mu.RLock()
	stale := info.ModTime().After(c.loadedAt)
	c.mu.RUnlock()
	if stale {
		if err := c.reload(); err != nil {
			c.logger.Warnw("holiday reload failed", "path", c.path, "error", err)
		}
	}
}

// IsBusinessDay reports whether d is a working day: not a weekend and not an
// extra holiday, unless d is a working-holiday override. Weekends are never
// working days, override or not.
func (c *Calendar) IsBusinessDay(d entity.Date) bool {
	c.maybeReload()

	wd := d.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.working[d] {
		return true
	}
	return !c.extra[d]
}

// HolidayName returns the human name for d, or "" if d is not a listed
// holiday.
func (c *Calendar) HolidayName(d entity.Date) string {
	c.maybeReload()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.names[d]; ok {
		return name
	}
	if c.extra[d] {
		return "Holiday"
	}
	return ""
}
