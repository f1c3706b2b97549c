// Package cases holds the checks run against the next/image test app.
package cases

import (
	"context"
	"fmt"

	"github.com/pinchtab/pinchcheck/internal/mode"
	"github.com/pinchtab/pinchcheck/internal/overlay"
	"github.com/pinchtab/pinchcheck/internal/poll"
	"github.com/pinchtab/pinchcheck/internal/suite"
)

// Overlay headers the dev server shows for misconfigured images.
const (
	MissingSrcHeader = "Next Image Optimization requires src to be provided. Make sure you pass them as props to the `next/image` component. Received: {\"width\":1200}"
	InvalidSrcHeader = "Invalid src prop (https://google.com/test.png) on `next/image`, hostname is not configured under images in your `next.config.js`"
)

// ImageComponent returns the image component cases in run order. Pages
// are left to the Env to close so a failing page can still be captured.
func ImageComponent() []suite.Case {
	return []suite.Case{
		{Name: "should load the images", Run: loadsImages},
		{Name: "should work when using flexbox", Run: flexbox},
		{Name: "should show missing src error", Modes: []mode.Mode{mode.Dev}, Run: expectOverlay("/missing-src", MissingSrcHeader)},
		{Name: "should show invalid src error", Modes: []mode.Mode{mode.Dev}, Run: expectOverlay("/invalid-src", InvalidSrcHeader)},
	}
}

func naturalWidth(id string) string {
	return fmt.Sprintf(`document.getElementById(%q).naturalWidth`, id)
}

func renderedWidth(id string) string {
	return fmt.Sprintf(`document.getElementById(%q).width`, id)
}

func scrollIntoView(id string) string {
	return fmt.Sprintf(`document.getElementById(%q).scrollIntoView()`, id)
}

func nonZero(page suite.Page, expression string) poll.Evaluator {
	return poll.NonZero(func(ctx context.Context) (float64, error) {
		return page.EvalNumber(ctx, expression)
	})
}

func loadsImages(ctx context.Context, env *suite.Env) error {
	page, err := env.Open(ctx, "/")
	if err != nil {
		return err
	}
	if err := env.Check(ctx, "basic-image naturalWidth", nonZero(page, naturalWidth("basic-image")), poll.CorrectPattern); err != nil {
		return err
	}
	// Unsized images are lazy loaded.
	if err := page.Evaluate(ctx, scrollIntoView("unsized-image"), nil); err != nil {
		return err
	}
	return env.Check(ctx, "unsized-image naturalWidth", nonZero(page, naturalWidth("unsized-image")), poll.CorrectPattern)
}

func flexbox(ctx context.Context, env *suite.Env) error {
	page, err := env.Open(ctx, "/flex")
	if err != nil {
		return err
	}
	return env.Check(ctx, "basic-image width", nonZero(page, renderedWidth("basic-image")), poll.CorrectPattern)
}

func expectOverlay(path, header string) func(context.Context, *suite.Env) error {
	return func(ctx context.Context, env *suite.Env) error {
		page, err := env.Open(ctx, path)
		if err != nil {
			return err
		}
		return overlay.ExpectHeader(ctx, page, header, env.PollOptions()...)
	}
}
