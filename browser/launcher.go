package browser

import "context"

// Launcher starts an interactive browser pointed at a login page. Launch
// returns once navigation has begun; the browser then waits for a human.
// The browser must not outlive ctx.
type Launcher interface {
	Launch(ctx context.Context, loginURL string) (Handle, error)
}

// Handle controls one launched browser. It is owned by exactly one session.
type Handle interface {
	// State reads cookies and client-side storage from the live browser.
	State(ctx context.Context) (State, error)
	// Alive probes whether the browser still answers.
	Alive(ctx context.Context) bool
	// Close tears down the browser context and process.
	Close() error
}
