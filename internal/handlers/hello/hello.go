// Package hello provides a liveness task that logs and runs again a minute
// later.
package hello

import (
	"context"
	"time"

	"ledgerflow/internal/task"
)

const TaskID = "hello_world"

type Hello struct{}

func (Hello) ID() string     { return TaskID }
func (Hello) NewConfig() any { return nil }

func (Hello) Execute(ctx context.Context, jc *task.JobContext) error {
	jc.Logger.Info().Msg("hello world")
	return jc.RescheduleIn(ctx, time.Minute)
}

var _ task.Task = Hello{}
