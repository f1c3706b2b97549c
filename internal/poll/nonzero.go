package poll

import (
	"context"
	"fmt"
	"regexp"
)

// Correct is the marker NonZero reports once the observed number is set.
const Correct = "result-correct"

// CorrectPattern matches the NonZero marker.
var CorrectPattern = regexp.MustCompile(regexp.QuoteMeta(Correct))

// NonZero adapts a numeric reading into an Evaluator. A zero reading means
// the image has not been decoded yet and is reported as ErrNotReady, so a
// value that stays zero surfaces in the TimeoutError as the last error.
func NonZero(read func(ctx context.Context) (float64, error)) Evaluator {
	return func(ctx context.Context) (string, error) {
		v, err := read(ctx)
		if err != nil {
			return "", err
		}
		if v == 0 {
			return "", fmt.Errorf("%w: observed 0", ErrNotReady)
		}
		return Correct, nil
	}
}
