package twitter

import (
	"context"

	"github.com/talos-agent/talos/internal/tool"
)

// CombinedToolName is the name of the combined tool that takes the operation as an argument.
const CombinedToolName = "twitter_tool"

func (d *Dispatcher) Name() string        { return CombinedToolName }
func (d *Dispatcher) Description() string { return "Provides tools for interacting with the Twitter API." }
func (d *Dispatcher) Parameters() map[string]any {
	return schemaOf(&Args{})
}

// Execute implements tool.Tool. The operation is taken from params["tool_name"].
func (d *Dispatcher) Execute(ctx context.Context, params map[string]any) (any, error) {
	name, _ := params["tool_name"].(string)
	return d.Run(ctx, name, params)
}

// operationTool exposes a single operation as its own tool, so tickets can
// name the operation directly.
type operationTool struct {
	d  *Dispatcher
	op ToolName
}

func (t *operationTool) Name() string                { return string(t.op) }
func (t *operationTool) Description() string         { return t.op.Description() }
func (t *operationTool) Parameters() map[string]any { return schemaOf(argsFor(t.op)) }
func (t *operationTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	return t.d.Run(ctx, string(t.op), params)
}

// Register adds the combined twitter_tool and one tool per operation to reg.
func Register(reg *tool.Registry, d *Dispatcher) {
	reg.Register(d)
	for _, op := range ToolNames {
		reg.Register(&operationTool{d: d, op: op})
	}
}
