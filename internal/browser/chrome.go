package browser

import (
	"context"
	"sync/atomic"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// chromeSession drives one headless Chrome instance through chromedp. The
// allocator context owns the browser process; the tab context owns the
// single tab the automation script uses.
type chromeSession struct {
	slot        int
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	killed      atomic.Bool
}

// NewChromeLauncher returns a Launcher that starts headless Chrome with the
// slot's profile directory as its user data dir.
func NewChromeLauncher(headless bool, logger *zap.SugaredLogger) Launcher {
	return func(ctx context.Context, slot int, profileDir string) (Session, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.UserDataDir(profileDir),
			chromedp.Flag("headless", headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.NoFirstRun,
		)

		allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
		tabCtx, cancelTab := chromedp.NewContext(allocCtx)

		// Force the browser process to start now so launch failures surface
		// here rather than on first use.
		if err := chromedp.Run(tabCtx); err != nil {
			cancelTab()
			cancelAlloc()
			return nil, err
		}

		logger.Debugw("browser session launched", "slot", slot, "profile", profileDir)
		return &chromeSession{
			slot:        slot,
			tabCtx:      tabCtx,
			cancelTab:   cancelTab,
			cancelAlloc: cancelAlloc,
		}, nil
	}
}

func (s *chromeSession) Slot() int { return s.slot }

func (s *chromeSession) Connected() bool {
	return !s.killed.Load() && s.tabCtx.Err() == nil
}

func (s *chromeSession) NavigateHTML(ctx context.Context, url string) (string, error) {
	runCtx, cancel := mergeDeadline(s.tabCtx, ctx)
	defer cancel()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", err
	}
	return html, nil
}

func (s *chromeSession) Close(ctx context.Context) error {
	if s.killed.Swap(true) {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Cancel(s.tabCtx)
		s.cancelAlloc()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chromeSession) Kill() {
	s.killed.Store(true)
	s.cancelTab()
	s.cancelAlloc()
}

// mergeDeadline runs tab operations under the caller's deadline while
// keeping the tab context's browser binding.
func mergeDeadline(tabCtx, caller context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := caller.Deadline(); ok {
		return context.WithDeadline(tabCtx, deadline)
	}
	return context.WithCancel(tabCtx)
}
