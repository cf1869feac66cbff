// Package task defines pluggable units of background work and the registry
// that maps job types to them.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrInvalidConfig = errors.New("invalid task config")
)

// Task is executed by a runner for every job whose type equals ID.
// NewConfig returns a pointer to a zero value of the task's configuration
// shape, or nil when the task takes no configuration.
type Task interface {
	ID() string
	NewConfig() any
	Execute(ctx context.Context, jc *JobContext) error
}

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

func (r *Registry) Register(t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.ID()
	if id == "" {
		return errors.New("task id must not be empty")
	}
	if _, ok := r.tasks[id]; ok {
		return errors.Newf("task %q already registered", id)
	}
	r.tasks[id] = t
	return nil
}

// MustRegister panics on a registration error. Meant for startup wiring.
func (r *Registry) MustRegister(tasks ...Task) {
	for _, t := range tasks {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Find(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DecodeConfig deserializes payload into the shape declared by t. An empty
// payload decodes as an empty object. Unknown fields are rejected.
func (r *Registry) DecodeConfig(t Task, payload json.RawMessage) (any, error) {
	cfg := t.NewConfig()
	if cfg == nil {
		return nil, nil
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decode config for task %s", t.ID()), ErrInvalidConfig)
	}
	if v, ok := cfg.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "validate config for task %s", t.ID()), ErrInvalidConfig)
		}
	}
	return cfg, nil
}

// Validate checks that a job of type jobType with the given payload could be
// executed. The admin surface calls it before persisting a job.
func (r *Registry) Validate(jobType string, payload json.RawMessage) error {
	t, ok := r.Find(jobType)
	if !ok {
		return errors.Wrapf(ErrUnknownTask, "%q", jobType)
	}
	_, err := r.DecodeConfig(t, payload)
	return err
}
