package browser

import "context"

// Evaluator is what pollers and inspectors need from a page.
// Session implements it. Tests can fake it.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, out any) error
}

// SessionInfo is a simplified session descriptor for logs and reports.
type SessionInfo struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
