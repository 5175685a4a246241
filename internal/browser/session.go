// Package browser manages a fixed-size pool of isolated headless browser
// sessions, one per slot, each with its own on-disk profile directory.
package browser

import "context"

// Session is one live browser session owned by a pool slot. The automation
// script receives a Session and drives it; the pool only cares about
// connectivity and shutdown.
type Session interface {
	// Slot returns the stable slot index this session belongs to.
	Slot() int

	// Connected reports whether the underlying browser process is still
	// reachable.
	Connected() bool

	// NavigateHTML loads url and returns the rendered document HTML.
	NavigateHTML(ctx context.Context, url string) (string, error)

	// Close shuts the session down gracefully within ctx's deadline.
	Close(ctx context.Context) error

	// Kill terminates the underlying browser process without waiting.
	Kill()
}

// Launcher starts a session for a slot, using the slot's profile directory.
type Launcher func(ctx context.Context, slot int, profileDir string) (Session, error)
