package kernel

import (
	"context"
	"fmt"
)

const maxTasks = 32

// TaskID identifies a long-running goroutine for watchdog bookkeeping.
type TaskID uint8

const (
	TaskNone TaskID = iota
	TaskApp
	TaskConsole
	TaskTimer
	TaskWatchdog

	// TaskUser is the first ID free for dynamically started tasks.
	TaskUser
)

func (id TaskID) String() string {
	switch id {
	case TaskNone:
		return "none"
	case TaskApp:
		return "app"
	case TaskConsole:
		return "console"
	case TaskTimer:
		return "timer"
	case TaskWatchdog:
		return "watchdog"
	default:
		return fmt.Sprintf("task%d", uint8(id))
	}
}

type taskKey struct{}

// WithTask returns a context that identifies the calling task.
func WithTask(ctx context.Context, id TaskID) context.Context {
	return context.WithValue(ctx, taskKey{}, id)
}

// TaskFrom returns the task carried by ctx, or TaskNone.
func TaskFrom(ctx context.Context) TaskID {
	if ctx == nil {
		return TaskNone
	}
	id, _ := ctx.Value(taskKey{}).(TaskID)
	return id
}
