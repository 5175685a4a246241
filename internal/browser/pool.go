package browser

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/entity"
)

const (
	acquirePollInterval = 100 * time.Millisecond
	recreateBackoff     = 15 * time.Second
	closeTimeout        = 10 * time.Second
)

// slotState is where a slot currently lives. A slot is always in exactly one
// state.
type slotState int

const (
	slotAvailable slotState = iota
	slotBusy
	slotRecreating
)

// slot is one lane of the pool. The index is stable for the life of the
// pool; the session handle is replaced on recreation.
type slot struct {
	index      int
	profileDir string
	session    Session
	state      slotState
}

// Status summarizes the pool for the dashboard.
type Status struct {
	Total       int  `json:"total"`
	Available   int  `json:"available"`
	Busy        int  `json:"busy"`
	Initialized bool `json:"initialized"`
}

// Pool owns N browser sessions keyed by slot index 1..N.
type Pool struct {
	size        int
	profileRoot string
	launch      Launcher
	logger      *zap.SugaredLogger

	mu          sync.Mutex
	slots       map[int]*slot
	available   []int // FIFO of available slot indexes, no duplicates
	closing     bool
	initialized bool
}

// NewPool creates an empty pool. Call Init to launch the sessions.
func NewPool(size int, profileRoot string, launch Launcher, logger *zap.SugaredLogger) *Pool {
	return &Pool{
		size:        size,
		profileRoot: profileRoot,
		launch:      launch,
		logger:      logger,
		slots:       make(map[int]*slot),
	}
}

// Init launches all sessions. Construction is all-or-nothing: if any launch
// fails, the sessions that did start are closed and the error is returned.
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	launched := make([]*slot, 0, p.size)
	for i := 1; i <= p.size; i++ {
		dir := filepath.Join(p.profileRoot, fmt.Sprintf("profile_%d", i))
		sess, err := p.launch(ctx, i, dir)
		if err != nil {
			for _, s := range launched {
				closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				if cerr := s.session.Close(closeCtx); cerr != nil {
					s.session.Kill()
				}
				cancel()
			}
			return fmt.Errorf("failed to launch browser slot %d: %w", i, err)
		}
		launched = append(launched, &slot{index: i, profileDir: dir, session: sess, state: slotAvailable})
	}

	p.mu.Lock()
	for _, s := range launched {
		p.slots[s.index] = s
		p.pushAvailable(s.index)
	}
	p.initialized = true
	p.mu.Unlock()

	p.logger.Infow("browser pool initialized", "size", p.size)
	return nil
}

// pushAvailable appends an index to the available list unless it is already
// there. Callers hold p.mu.
func (p *Pool) pushAvailable(index int) {
	for _, v := range p.available {
		if v == index {
			return
		}
	}
	p.available = append(p.available, index)
}

// Acquire borrows a session, polling until a slot frees up or the timeout
// elapses. A disconnected session is recreated in place before being handed
// out; if recreation fails the slot returns to the pool after a back-off and
// the error is propagated.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (Session, error) {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		if !p.initialized {
			p.mu.Unlock()
			return nil, entity.ErrPoolNotInitialized
		}
		if p.closing {
			p.mu.Unlock()
			return nil, entity.ErrPoolClosed
		}
		if len(p.available) > 0 {
			index := p.available[0]
			p.available = p.available[1:]
			s := p.slots[index]
			s.state = slotBusy
			p.mu.Unlock()
			return p.checkout(ctx, s)
		}
		p.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, entity.ErrPoolTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// checkout hands out the slot's session, recreating it first if the browser
// went away while the slot sat idle.
func (p *Pool) checkout(ctx context.Context, s *slot) (Session, error) {
	if s.session != nil && s.session.Connected() {
		return s.session, nil
	}

	p.logger.Warnw("browser session disconnected, recreating", "slot", s.index)
	if err := p.recreate(ctx, s); err != nil {
		p.parkAfterBackoff(s)
		return nil, err
	}
	return s.session, nil
}

// recreate replaces the slot's session, preserving the slot index and
// profile directory.
func (p *Pool) recreate(ctx context.Context, s *slot) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return entity.ErrPoolClosed
	}
	s.state = slotRecreating
	p.mu.Unlock()

	if s.session != nil {
		s.session.Kill()
	}

	sess, err := p.launch(ctx, s.index, s.profileDir)
	if err != nil {
		return fmt.Errorf("failed to recreate browser slot %d: %w", s.index, err)
	}

	p.mu.Lock()
	s.session = sess
	s.state = slotBusy
	p.mu.Unlock()
	return nil
}

// parkAfterBackoff schedules a failed slot's return to the available list.
func (p *Pool) parkAfterBackoff(s *slot) {
	time.AfterFunc(recreateBackoff, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closing {
			return
		}
		s.state = slotAvailable
		p.pushAvailable(s.index)
	})
}

// Release returns a session's slot to the pool. A disconnected session is
// recreated first; on failure the slot comes back after a back-off.
func (p *Pool) Release(sess Session) {
	if sess == nil {
		return
	}

	p.mu.Lock()
	s, ok := p.slots[sess.Slot()]
	closing := p.closing
	p.mu.Unlock()
	if !ok || closing {
		return
	}

	if !sess.Connected() {
		p.logger.Warnw("released session is disconnected, recreating", "slot", s.index)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		err := p.recreate(ctx, s)
		cancel()
		if err != nil {
			p.logger.Errorw("failed to recreate browser session on release", "slot", s.index, "error", err)
			p.parkAfterBackoff(s)
			return
		}
	}

	p.mu.Lock()
	s.state = slotAvailable
	p.pushAvailable(s.index)
	p.mu.Unlock()
}

// CloseAll is the single graceful-shutdown entry point. It suppresses
// disconnect-driven recreation, closes every session with a per-session
// timeout, kills the ones that refuse, and clears all state.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closing = true
	sessions := make([]Session, 0, len(p.slots))
	for _, s := range p.slots {
		if s.session != nil {
			sessions = append(sessions, s.session)
		}
	}
	p.mu.Unlock()

	for _, sess := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := sess.Close(ctx); err != nil {
			p.logger.Warnw("browser close timed out, killing", "slot", sess.Slot(), "error", err)
			sess.Kill()
		}
		cancel()
	}

	p.mu.Lock()
	p.slots = make(map[int]*slot)
	p.available = nil
	p.initialized = false
	p.mu.Unlock()

	p.logger.Infow("browser pool closed")
}

// Status returns the pool summary.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := 0
	for _, s := range p.slots {
		if s.state == slotBusy {
			busy++
		}
	}
	return Status{
		Total:       len(p.slots),
		Available:   len(p.available),
		Busy:        busy,
		Initialized: p.initialized,
	}
}
