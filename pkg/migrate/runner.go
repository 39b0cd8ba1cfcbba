// Package migrate applies versioned SQL scripts and reports which versions a
// database has seen.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds a migration run when no timeout is given.
const DefaultTimeout = 60 * time.Second

// Direction is a migrate subcommand.
type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStatus Direction = "status"
)

// ParseDirection accepts up, down and status.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionUp, DirectionDown, DirectionStatus:
		return d, nil
	}
	return "", fmt.Errorf("unknown migrate direction %q (want up, down or status)", s)
}

// PendingMigration is a known migration not yet applied.
type PendingMigration struct {
	Version int64
	Name    string
}

// Status lists applied versions in ascending order and the pending ones in
// the order Up would apply them.
type Status struct {
	AppliedVersions []int64
	Pending         []PendingMigration
}

// Operations is what Execute drives. SQLManager.Operations provides one.
type Operations struct {
	Up     func(ctx context.Context) (int, error)
	Down   func(ctx context.Context, steps int) (int, error)
	Status func(ctx context.Context) (*Status, error)
}

func (o Operations) complete() bool {
	return o.Up != nil && o.Down != nil && o.Status != nil
}

// Result reports what Execute did. Count is the number of migrations applied
// or reverted; Status is set for DirectionStatus.
type Result struct {
	Direction Direction
	Count     int
	Status    *Status
}

// Execute runs one direction under timeout. Down requires steps > 0.
func Execute(ctx context.Context, ops Operations, direction Direction, steps int, timeout time.Duration) (Result, error) {
	if !ops.complete() {
		return Result{}, errors.New("migration operations are incomplete")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := Result{Direction: direction}
	var err error
	switch direction {
	case DirectionUp:
		result.Count, err = ops.Up(ctx)
	case DirectionDown:
		if steps <= 0 {
			return result, fmt.Errorf("down steps must be greater than zero, got %d", steps)
		}
		result.Count, err = ops.Down(ctx, steps)
	case DirectionStatus:
		result.Status, err = ops.Status(ctx)
	default:
		return result, fmt.Errorf("unknown migrate direction %q", direction)
	}
	return result, err
}
