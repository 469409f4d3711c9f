package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"
)

const (
	localStorageJS = `JSON.stringify(Object.assign({}, window.localStorage))`
	originJS       = `window.location.origin`
	probeTimeout   = 2 * time.Second
)

// ChromeLauncher drives a local Chrome through the DevTools protocol.
type ChromeLauncher struct {
	Headless  bool
	UserAgent string
	ExecPath  string
}

var _ Launcher = ChromeLauncher{}

func (l ChromeLauncher) Launch(ctx context.Context, loginURL string) (Handle, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.Headless),
		chromedp.WindowSize(1280, 900),
	)
	if l.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.UserAgent))
	}
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	h := &chromeHandle{ctx: browserCtx, cancel: browserCancel, allocCancel: allocCancel}

	// returns as soon as the navigation has started, not when the page has loaded
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(loginURL).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("page load error %s", errorText)
		}
		return nil
	}))
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("[browser ChromeLauncher.Launch] navigate: %w", err)
	}
	return h, nil
}

type chromeHandle struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

func (h *chromeHandle) State(ctx context.Context) (State, error) {
	runCtx, stop := mergeDeadline(h.ctx, ctx)
	defer stop()

	var state State
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			state.Cookies = append(state.Cookies, Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				Expires:  c.Expires,
				SameSite: c.SameSite.String(),
			})
		}
		return nil
	}))
	if err != nil {
		return State{}, fmt.Errorf("[browser chromeHandle.State] cookies: %w", err)
	}

	state.Storage = map[string]map[string]string{}
	var origin, raw string
	err = chromedp.Run(runCtx,
		chromedp.Evaluate(originJS, &origin),
		chromedp.Evaluate(localStorageJS, &raw),
	)
	if err != nil {
		// pages such as about:blank deny storage access, cookies are enough
		log.Debug().Err(err).Msg("localStorage not captured")
		return state, nil
	}
	items := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &items); err == nil && len(items) > 0 {
		state.Storage[origin] = items
	}
	return state, nil
}

func (h *chromeHandle) Alive(ctx context.Context) bool {
	runCtx, stop := mergeDeadline(h.ctx, ctx)
	defer stop()
	probeCtx, cancel := context.WithTimeout(runCtx, probeTimeout)
	defer cancel()

	var one int
	return chromedp.Run(probeCtx, chromedp.Evaluate(`1`, &one)) == nil && one == 1
}

func (h *chromeHandle) Close() error {
	alreadyGone := h.ctx.Err() != nil
	err := chromedp.Cancel(h.ctx)
	h.cancel()
	h.allocCancel()
	if err != nil && !alreadyGone {
		return fmt.Errorf("[browser chromeHandle.Close] %w", err)
	}
	return nil
}

// mergeDeadline derives from the browser context so chromedp finds its
// target, and stops early when the caller's context ends.
func mergeDeadline(browserCtx, callerCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(browserCtx)
	stop := context.AfterFunc(callerCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
