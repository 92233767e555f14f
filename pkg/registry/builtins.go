package registry

import "github.com/milaidy/autonomy-kernel/pkg/contracts"

// Builtin tool contracts covering the host agent's action surface. Risk
// classes follow the reversibility of each action's side effects; every
// irreversible tool requires approval unconditionally.
func builtinContracts() []*Contract {
	return []*Contract{
		{
			Name: "PLAY_EMOTE", Version: "1.0.0", RiskClass: contracts.RiskReadOnly,
			ParamSchema: `{"type":"object","properties":{"emote":{"type":"string","minLength":1}},"required":["emote"],"additionalProperties":false}`,
		},
		{
			Name: "GET_STATUS", Version: "1.0.0", RiskClass: contracts.RiskReadOnly,
			ParamSchema: `{"type":"object","additionalProperties":false}`,
		},
		{
			Name: "SEND_MESSAGE", Version: "1.1.0", RiskClass: contracts.RiskReversible,
			ParamSchema: `{"type":"object","properties":{"channel":{"type":"string","minLength":1},"text":{"type":"string","minLength":1}},"required":["channel","text"]}`,
		},
		{
			Name: "UPDATE_CONFIG", Version: "1.0.0", RiskClass: contracts.RiskReversible,
			ParamSchema: `{"type":"object","properties":{"key":{"type":"string","minLength":1},"value":{}},"required":["key","value"]}`,
		},
		{
			Name: "CREATE_TASK", Version: "1.2.0", RiskClass: contracts.RiskReversible,
			ParamSchema: `{"type":"object","properties":{"name":{"type":"string","minLength":1},"schedule":{"type":"string"},"payload":{"type":"object"}},"required":["name"]}`,
			Defaults:    map[string]any{"schedule": "once"},
		},
		{
			Name: "SET_GOAL", Version: "1.0.0", RiskClass: contracts.RiskReversible,
			ParamSchema: `{"type":"object","properties":{"description":{"type":"string","minLength":1},"priority":{"type":"string","enum":["critical","high","medium","low"]}},"required":["description"]}`,
			Defaults:    map[string]any{"priority": "medium"},
		},
		{
			Name: "CREATE_MEMORY", Version: "1.0.0", RiskClass: contracts.RiskReversible,
			ParamSchema: `{"type":"object","properties":{"content":{"type":"string","minLength":1},"tags":{"type":"array","items":{"type":"string"}}},"required":["content"]}`,
		},
		{
			Name: "DELETE_TASK", Version: "1.0.0", RiskClass: contracts.RiskIrreversible,
			ParamSchema: `{"type":"object","properties":{"task_id":{"type":"string","minLength":1}},"required":["task_id"]}`,
		},
		{
			Name: "DELETE_MEMORY", Version: "1.0.0", RiskClass: contracts.RiskIrreversible,
			ParamSchema: `{"type":"object","properties":{"memory_id":{"type":"string","minLength":1}},"required":["memory_id"]}`,
		},
		{
			Name: "TRANSFER_FUNDS", Version: "2.0.0", RiskClass: contracts.RiskIrreversible,
			ParamSchema: `{"type":"object","properties":{"to":{"type":"string","minLength":1},"amount":{"type":"number","exclusiveMinimum":0},"currency":{"type":"string","minLength":1}},"required":["to","amount","currency"]}`,
		},
		{
			Name: "SHELL_EXEC", Version: "1.0.0", RiskClass: contracts.RiskIrreversible,
			ParamSchema: `{"type":"object","properties":{"command":{"type":"string","minLength":1},"cwd":{"type":"string"}},"required":["command"]}`,
		},
		{
			Name: "UPDATE_IDENTITY", Version: "1.0.0", RiskClass: contracts.RiskIrreversible,
			ParamSchema: `{"type":"object","properties":{"identity":{"type":"object"}},"required":["identity"]}`,
		},
	}
}

// NewBuiltin creates a registry preloaded with the builtin tool contracts.
func NewBuiltin() *Registry {
	r := New()
	for _, c := range builtinContracts() {
		if err := r.Register(c); err != nil {
			// Builtins are compile-time constants; a failure here is a
			// programming error, not a runtime condition.
			panic(err)
		}
	}
	return r
}
