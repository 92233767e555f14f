// Package runtime defines the host runtime port: the capabilities the
// surrounding agent platform provides to the kernel. The kernel never
// implements these itself; it functions correctly against any
// implementation, including the no-op one.
package runtime

import (
	"context"
	"time"
)

// Task is a scheduled unit of work in the host platform.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
	DueAt       time.Time      `json:"due_at,omitempty"`
}

// Memory is a record persisted to the host's memory subsystem.
type Memory struct {
	ID      string         `json:"id"`
	Content string         `json:"content"`
	Kind    string         `json:"kind,omitempty"`
	Trust   float64        `json:"trust,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// HostRuntime is the injected capability port.
type HostRuntime interface {
	CreateTask(ctx context.Context, task Task) (string, error)
	UpdateTask(ctx context.Context, id string, task Task) error
	DeleteTask(ctx context.Context, id string) error

	CreateMemory(ctx context.Context, mem Memory) (string, error)

	// ExtractText invokes the host's language model for free-form text
	// extraction, used by goal criterion evaluators.
	ExtractText(ctx context.Context, prompt string) (string, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// NopRuntime is the default HostRuntime. Mutations succeed without effect
// and reads return zero values.
type NopRuntime struct{}

var _ HostRuntime = NopRuntime{}

func (NopRuntime) CreateTask(context.Context, Task) (string, error)     { return "", nil }
func (NopRuntime) UpdateTask(context.Context, string, Task) error       { return nil }
func (NopRuntime) DeleteTask(context.Context, string) error             { return nil }
func (NopRuntime) CreateMemory(context.Context, Memory) (string, error) { return "", nil }
func (NopRuntime) ExtractText(context.Context, string) (string, error)  { return "", nil }
func (NopRuntime) GetSetting(context.Context, string) (string, error)   { return "", nil }
func (NopRuntime) SetSetting(context.Context, string, string) error     { return nil }
