package plana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	"github.com/xeipuuv/gojsonschema"
)

const (
	maxRollDice  = 10
	maxRollSides = 100
)

// ToolHandler executes one tool call. Arguments have already passed schema
// validation. The returned string is fed back to the model verbatim.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

// ToolSpec declares a model-callable tool: its name, a human description
// the model sees, a JSON schema its arguments are validated against, and
// the handler. Registered once at startup, immutable thereafter.
type ToolSpec struct {
	Name        string
	Description string

	// Parameters is a JSON schema object describing the arguments
	Parameters json.RawMessage

	Handler ToolHandler

	// Stateful marks tools with side effects. Stateful tool executions are
	// serialized; pure tools from different rounds may run concurrently.
	Stateful bool
}

// ToolInvocation records one model-requested tool call: the raw arguments as
// received, the validation outcome, and the result or failure reason. It
// exists for one completion round and is persisted only as part of the Turn
// that records it.
type ToolInvocation struct {
	CallID    string
	Name      string
	Arguments json.RawMessage

	// Result is what's round-tripped to the model - on failure this carries
	// the error message so the model can self-correct
	Result string

	// Err holds the failure, if any: *ValidationError for schema rejects,
	// *ToolExecutionError for handler faults
	Err error
}

// Failed reports whether the invocation did not execute successfully.
func (ti ToolInvocation) Failed() bool {
	return ti.Err != nil
}

// Record converts the invocation to the form persisted on a Turn.
func (ti ToolInvocation) Record() ToolCallRecord {
	return ToolCallRecord{
		CallID:    ti.CallID,
		Name:      ti.Name,
		Arguments: string(ti.Arguments),
		Result:    ti.Result,
		Failed:    ti.Failed(),
	}
}

// ToolDispatcher holds the registered tools and executes model-requested
// calls with schema-validated arguments. All failure modes - unknown tool,
// invalid arguments, handler error, panic, timeout - are converted to
// failed invocations and never escape as faults, so a single bad tool call
// can't abort the surrounding conversation turn.
type ToolDispatcher struct {
	mu      sync.RWMutex
	specs   map[string]ToolSpec
	schemas map[string]*gojsonschema.Schema
	logger  *slog.Logger

	// serializes stateful tool executions
	statefulMu sync.Mutex
}

// NewToolDispatcher creates an empty dispatcher.
func NewToolDispatcher(logger *slog.Logger) *ToolDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolDispatcher{
		specs:   map[string]ToolSpec{},
		schemas: map[string]*gojsonschema.Schema{},
		logger:  logger.With(loggerNameKey, "tools"),
	}
}

// Register adds a tool. Returns [ErrDuplicateTool] if the name is taken,
// or an error if the parameter schema doesn't compile.
func (d *ToolDispatcher) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return errors.New("tool name is required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %q has no handler", spec.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.specs[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
	}

	params := spec.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
		spec.Parameters = params
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("invalid schema for tool %q: %w", spec.Name, err)
	}

	d.specs[spec.Name] = spec
	d.schemas[spec.Name] = schema
	d.logger.Info("registered tool", "name", spec.Name, "stateful", spec.Stateful)
	return nil
}

// Specs returns the registered tools, for building the model request's tool
// declarations.
func (d *ToolDispatcher) Specs() []ToolSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(d.specs))
	for _, s := range d.specs {
		specs = append(specs, s)
	}
	return specs
}

// Invoke validates rawArgs against the tool's schema and executes the
// handler. The returned invocation always carries a Result suitable for
// round-tripping to the model, even on failure.
func (d *ToolDispatcher) Invoke(
	ctx context.Context,
	callID string,
	name string,
	rawArgs json.RawMessage,
) ToolInvocation {
	inv := ToolInvocation{CallID: callID, Name: name, Arguments: rawArgs}

	d.mu.RLock()
	spec, ok := d.specs[name]
	schema := d.schemas[name]
	d.mu.RUnlock()

	if !ok {
		inv.Err = &ValidationError{Tool: name, Detail: "unknown tool"}
		inv.Result = inv.Err.Error()
		return inv
	}

	args := rawArgs
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		inv.Err = &ValidationError{Tool: name, Detail: err.Error()}
		inv.Result = inv.Err.Error()
		return inv
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		inv.Err = &ValidationError{
			Tool:   name,
			Detail: strings.Join(details, "; "),
		}
		inv.Result = inv.Err.Error()
		return inv
	}

	output, execErr := d.execute(ctx, spec, args)
	if execErr != nil {
		inv.Err = &ToolExecutionError{Tool: name, Err: execErr}
		inv.Result = inv.Err.Error()
		d.logger.WarnContext(ctx, "tool execution failed", "tool", name, tint.Err(execErr))
		return inv
	}

	inv.Result = output
	return inv
}

// execute runs the handler, containing panics and honoring the context
// deadline. Stateful tools run one at a time.
func (d *ToolDispatcher) execute(
	ctx context.Context,
	spec ToolSpec,
	args json.RawMessage,
) (output string, err error) {
	if spec.Stateful {
		d.statefulMu.Lock()
		defer d.statefulMu.Unlock()
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	type handlerResult struct {
		output string
		err    error
	}
	resultCh := make(chan handlerResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- handlerResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, handlerErr := spec.Handler(ctx, args)
		resultCh <- handlerResult{output: out, err: handlerErr}
	}()

	select {
	case r := <-resultCh:
		return r.output, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// rollArgs are the arguments for the built-in roll tool.
type rollArgs struct {
	Dice     int `json:"dice"`
	Sides    int `json:"sides"`
	Modifier int `json:"modifier"`
}

// RollToolSpec returns the built-in dice roll tool: roll N dice with S
// sides plus an optional modifier, for decision-making or randomization.
func RollToolSpec() ToolSpec {
	return ToolSpec{
		Name:        "roll",
		Description: "Roll dice, D&D style: N dice with S sides plus an optional modifier (e.g. dice=2 sides=6 for 2d6). Use for decision-making or randomization.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"dice": {"type": "integer", "minimum": 1, "description": "Number of dice to roll"},
				"sides": {"type": "integer", "minimum": 2, "description": "Sides per die"},
				"modifier": {"type": "integer", "description": "Flat modifier added to the total"}
			},
			"required": ["dice", "sides"],
			"additionalProperties": false
		}`),
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args rollArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if args.Dice > maxRollDice {
				return fmt.Sprintf(
					"Too many dice to roll, limit is %d", maxRollDice,
				), nil
			}
			if args.Sides > maxRollSides {
				return fmt.Sprintf(
					"Dice sides too large, limit is %d", maxRollSides,
				), nil
			}
			rolls := make([]int, args.Dice)
			total := args.Modifier
			for i := range rolls {
				rolls[i] = rand.Intn(args.Sides) + 1
				total += rolls[i]
			}
			result := fmt.Sprintf("🎲 Rolling %dd%d: %v", args.Dice, args.Sides, rolls)
			if args.Modifier != 0 {
				result += fmt.Sprintf(" (modifier: %+d)", args.Modifier)
			}
			return fmt.Sprintf("%s = %d", result, total), nil
		},
	}
}

// FlipCoinToolSpec returns the built-in coin flip tool.
func FlipCoinToolSpec() ToolSpec {
	return ToolSpec{
		Name:        "flip_coin",
		Description: "Flip a coin to make a random decision.",
		Handler: func(_ context.Context, _ json.RawMessage) (string, error) {
			if rand.Intn(2) == 0 {
				return "🌕 Heads!", nil
			}
			return "🌑 Tails!", nil
		},
	}
}

// RegisterBuiltinTools registers the tools shipped with the bot.
func RegisterBuiltinTools(d *ToolDispatcher) error {
	for _, spec := range []ToolSpec{RollToolSpec(), FlipCoinToolSpec()} {
		if err := d.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
