package tool

import "context"

// Tool is the interface every operation exposed to the agent runtime implements.
// Execute returns a structured value (string, int, struct, map) rather than
// pre-rendered text so ticket results keep their shape.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	Execute(ctx context.Context, params map[string]any) (any, error)
}
