// Package registry holds the per-tool contracts the kernel enforces:
// parameter schema, risk classification and approval requirement. Proposed
// calls are validated and normalized here before anything else may happen
// to them.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

var (
	ErrDuplicateTool = errors.New("registry: tool already registered")
	ErrNilContract   = errors.New("registry: nil contract")
)

// Contract describes one tool's governance surface.
type Contract struct {
	Name      string
	Version   string // semver
	RiskClass contracts.RiskClass

	// ParamSchema is a JSON Schema (Draft 2020-12) document for the call
	// params. Empty means any params are accepted.
	ParamSchema string

	// Defaults are applied to params missing from a proposed call before
	// schema validation.
	Defaults map[string]any

	// RequiresApproval overrides the risk-class default when non-nil.
	// Irreversible tools always require approval regardless.
	RequiresApproval *bool
}

type compiledContract struct {
	Contract
	schema *jsonschema.Schema
}

// Registry is a typed dispatch-by-name table of tool contracts.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*compiledContract
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*compiledContract)}
}

// Register compiles and stores a tool contract. The version must parse as
// semver and the schema, if present, must compile.
func (r *Registry) Register(c *Contract) error {
	if c == nil {
		return ErrNilContract
	}
	if c.Name == "" {
		return errors.New("registry: tool name is required")
	}
	if c.Version != "" {
		if _, err := semver.NewVersion(c.Version); err != nil {
			return fmt.Errorf("registry: invalid version for %s: %w", c.Name, err)
		}
	}

	var compiled *jsonschema.Schema
	if c.ParamSchema != "" {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://autonomy.schemas.local/tools/%s.schema.json", strings.ToLower(c.Name))
		if err := compiler.AddResource(url, strings.NewReader(c.ParamSchema)); err != nil {
			return fmt.Errorf("registry: schema load failed for %s: %w", c.Name, err)
		}
		var err error
		compiled, err = compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("registry: schema compile failed for %s: %w", c.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[c.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, c.Name)
	}
	r.tools[c.Name] = &compiledContract{Contract: *c, schema: compiled}
	return nil
}

// Lookup returns the contract for a tool, or nil if not registered.
func (r *Registry) Lookup(name string) *Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.tools[name]
	if !ok {
		return nil
	}
	c := cc.Contract
	return &c
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Validate checks a proposed call against its tool contract and returns the
// validation outcome with normalized params. An unknown tool is invalid,
// never an error.
func (r *Registry) Validate(call contracts.ProposedToolCall) contracts.ToolValidationResult {
	r.mu.RLock()
	cc, ok := r.tools[call.Tool]
	r.mu.RUnlock()

	if !ok {
		return contracts.ToolValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("unknown tool: %s", call.Tool)},
		}
	}

	params := make(map[string]any, len(call.Params)+len(cc.Defaults))
	for k, v := range cc.Defaults {
		params[k] = v
	}
	for k, v := range call.Params {
		params[k] = v
	}

	normalized, err := normalizeParams(params)
	if err != nil {
		return contracts.ToolValidationResult{
			Valid:     false,
			Errors:    []string{fmt.Sprintf("params not serializable: %v", err)},
			RiskClass: cc.RiskClass,
		}
	}

	result := contracts.ToolValidationResult{
		Valid:            true,
		ValidatedParams:  normalized,
		RiskClass:        cc.RiskClass,
		RequiresApproval: requiresApproval(&cc.Contract),
	}

	if cc.schema != nil {
		if err := cc.schema.Validate(anyMap(normalized)); err != nil {
			result.Valid = false
			result.ValidatedParams = nil
			result.Errors = flattenSchemaError(err)
		}
	}
	return result
}

// requiresApproval resolves the approval requirement for a contract.
// Irreversible tools cannot opt out.
func requiresApproval(c *Contract) bool {
	if c.RiskClass == contracts.RiskIrreversible {
		return true
	}
	if c.RequiresApproval != nil {
		return *c.RequiresApproval
	}
	return c.RiskClass != contracts.RiskReadOnly
}

// normalizeParams round-trips params through JSON so schema validation sees
// plain JSON values (float64 numbers, no typed structs) and the validated
// params are exactly what was audited.
func normalizeParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// flattenSchemaError turns a jsonschema validation error into stable,
// greppable message strings.
func flattenSchemaError(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return msgs
}
