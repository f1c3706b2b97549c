// Package overlay detects the Next.js development error overlay in a page
// and reads its header.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pinchtab/pinchcheck/internal/browser"
	"github.com/pinchtab/pinchcheck/internal/poll"
)

var (
	headerTimeout  = 3 * time.Second
	headerInterval = 500 * time.Millisecond
)

// ErrNoOverlay is returned by ExpectHeader when the overlay never mounted.
var ErrNoOverlay = errors.New("error overlay not shown")

// The overlay is rendered into a nextjs-portal custom element; its shadow
// root carries one of these labels once an error is displayed.
const portalQuery = `Array.prototype.slice.call(document.querySelectorAll('nextjs-portal')).find(function (p) {
	return p.shadowRoot && p.shadowRoot.querySelector('#nextjs__container_errors_label, #nextjs__container_build_error_label')
})`

var (
	hasOverlayExpr = `(function () { return !!(` + portalQuery + `) })()`
	headerExpr     = `(function () {
	var portal = ` + portalQuery + `;
	if (!portal) return '';
	var header = portal.shadowRoot.querySelector('[data-nextjs-dialog-header]');
	return header ? header.innerText : '';
})()`
)

// MismatchError reports an overlay whose header lacks the expected text.
type MismatchError struct {
	Want string
	Got  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("overlay header %q does not contain %q", e.Got, e.Want)
}

// HasOverlay polls until the overlay is mounted. It returns false with the
// poller's *poll.TimeoutError if it never appears.
func HasOverlay(ctx context.Context, ev browser.Evaluator, opts ...poll.Option) (bool, error) {
	opts = append([]poll.Option{poll.WithLabel("overlay")}, opts...)
	err := poll.Eventually(ctx, func(ctx context.Context) (bool, error) {
		var shown bool
		if err := ev.Evaluate(ctx, hasOverlayExpr, &shown); err != nil {
			return false, err
		}
		return shown, nil
	}, opts...)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Header returns the overlay header text. Call it only after HasOverlay
// reported true; without an overlay it yields "" after a short retry.
func Header(ctx context.Context, ev browser.Evaluator) (string, error) {
	var header string
	err := poll.Eventually(ctx, func(ctx context.Context) (bool, error) {
		var text string
		if err := ev.Evaluate(ctx, headerExpr, &text); err != nil {
			return false, err
		}
		header = text
		return text != "", nil
	}, poll.WithTimeout(headerTimeout), poll.WithInterval(headerInterval), poll.WithLabel("overlay header"))

	if errors.Is(err, poll.ErrTimeout) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return header, nil
}

// ExpectHeader waits for the overlay and checks its header contains want.
func ExpectHeader(ctx context.Context, ev browser.Evaluator, want string, opts ...poll.Option) error {
	if _, err := HasOverlay(ctx, ev, opts...); err != nil {
		if errors.Is(err, poll.ErrTimeout) {
			return fmt.Errorf("%w: %w", ErrNoOverlay, err)
		}
		return err
	}
	got, err := Header(ctx, ev)
	if err != nil {
		return err
	}
	if !strings.Contains(got, want) {
		return &MismatchError{Want: want, Got: got}
	}
	return nil
}
