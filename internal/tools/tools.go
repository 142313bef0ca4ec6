// Package tools runs function calls the upstream model asks the relay to
// answer on the client's behalf.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var ErrUnknownTool = errors.New("unknown tool")

// Handler executes one call. args is the raw JSON arguments string from the model.
type Handler func(ctx context.Context, args string) (string, error)

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Default returns a registry with get_current_time and calculate.
func Default(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	r := NewRegistry()
	r.Register("get_current_time", func(context.Context, string) (string, error) {
		return now().Format("2006-01-02 15:04:05"), nil
	})
	r.Register("calculate", calculateHandler)
	return r
}

func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Call runs the named tool. Tool failures are returned as output text so the
// model can explain them; only an unknown name is an error.
func (r *Registry) Call(ctx context.Context, name, args string) (string, error) {
	h, ok := r.handlers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	out, err := h(ctx, args)
	if err != nil {
		return "error: " + err.Error(), nil
	}
	return out, nil
}

type calculateArgs struct {
	Expression string `json:"expression"`
}

func calculateHandler(_ context.Context, args string) (string, error) {
	var in calculateArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	v, err := Evaluate(in.Expression)
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}
