package worker

import "context"

// Task is one independent unit of concurrent work, typically all pulls of a
// region.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}
