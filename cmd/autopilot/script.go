package main

import (
	"context"

	"github.com/wordflow/autopilot/internal/browser"
	"github.com/wordflow/autopilot/internal/platform"
)

// acceptScript is the browser-automation workflow handed to the
// coordinator.
func acceptScript(ctx context.Context, sess browser.Session, url string) (interface{}, error) {
	return platform.Accept(ctx, sess, url)
}
