package runtime

import (
	"context"
	"fmt"
)

// Dispatcher maps validated builtin tool calls onto a HostRuntime. It is the
// default action handler handed to the execution pipeline.
type Dispatcher struct {
	host HostRuntime
}

// NewDispatcher wraps the given host. A nil host dispatches to NopRuntime.
func NewDispatcher(host HostRuntime) *Dispatcher {
	if host == nil {
		host = NopRuntime{}
	}
	return &Dispatcher{host: host}
}

// Handle executes one validated tool call. Params arrive already normalized,
// so missing required keys indicate a tool this dispatcher does not own.
func (d *Dispatcher) Handle(ctx context.Context, tool string, params map[string]any, requestID string) (any, error) {
	switch tool {
	case "CREATE_TASK":
		id, err := d.host.CreateTask(ctx, Task{
			Description: stringParam(params, "name"),
			Params:      params,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"task_id": id}, nil

	case "DELETE_TASK":
		if err := d.host.DeleteTask(ctx, stringParam(params, "task_id")); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil

	case "CREATE_MEMORY":
		id, err := d.host.CreateMemory(ctx, Memory{
			Content: stringParam(params, "content"),
			Meta:    map[string]any{"request_id": requestID},
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"memory_id": id}, nil

	case "UPDATE_CONFIG":
		key := stringParam(params, "key")
		if err := d.host.SetSetting(ctx, key, fmt.Sprint(params["value"])); err != nil {
			return nil, err
		}
		return map[string]any{"key": key}, nil

	case "GET_STATUS":
		return map[string]any{"status": "ok"}, nil

	default:
		return nil, fmt.Errorf("runtime: no handler for tool %s", tool)
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
