package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const (
	targetTypePage    = "page"
	screenshotQuality = 80
)

// navigatePage issues a raw Page.navigate and waits for the body instead of
// the load event: a dev server holding a hot-reload socket can delay load
// indefinitely.
func navigatePage(ctx context.Context, url string) error {
	return chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, errText, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errText != "" {
				return fmt.Errorf("page.navigate: %s", errText)
			}
			return nil
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func captureScreenshot(ctx context.Context, quality int) ([]byte, error) {
	var buf []byte
	if err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(quality)).
				Do(ctx)
			return err
		}),
	); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

// ListTargets returns the page targets Chrome currently has open,
// including tabs this manager did not create.
func (m *Manager) ListTargets() ([]*target.Info, error) {
	if m.browserCtx == nil {
		return nil, fmt.Errorf("no browser connection")
	}
	var targets []*target.Info
	if err := chromedp.Run(m.browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			targets, err = target.GetTargets().Do(ctx)
			return err
		}),
	); err != nil {
		return nil, fmt.Errorf("get targets: %w", err)
	}

	pages := make([]*target.Info, 0)
	for _, t := range targets {
		if t.Type == targetTypePage {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// closeStrayTargets closes page targets left behind by sessions that were
// cancelled before Chrome acknowledged the close.
func (m *Manager) closeStrayTargets() {
	targets, err := m.ListTargets()
	if err != nil {
		m.logger.Debug("list targets", "err", err)
		return
	}
	closeCtx, closeCancel := context.WithTimeout(m.browserCtx, 5*time.Second)
	defer closeCancel()

	for _, t := range targets {
		if string(t.TargetID) == m.initialTarget {
			continue
		}
		err := target.CloseTarget(t.TargetID).Do(cdp.WithExecutor(closeCtx, chromedp.FromContext(closeCtx).Browser))
		if err != nil {
			m.logger.Debug("close target", "id", t.TargetID, "err", err)
			continue
		}
		m.logger.Info("closed stray tab", "id", t.TargetID, "url", t.URL)
	}
}
