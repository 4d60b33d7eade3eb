package intent

import "context"

// Passthrough is a Recognizer that never matches. It is used when intent
// handling is delegated to LLM function calling, where the exit and device
// tools are exposed to the model instead of being pattern-matched up front.
type Passthrough struct{}

// Recognize implements Recognizer.
func (Passthrough) Recognize(context.Context, string) (Result, error) {
	return Result{}, nil
}

var _ Recognizer = Passthrough{}
