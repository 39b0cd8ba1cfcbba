package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func fakeOperations(calls *[]string) Operations {
	return Operations{
		Up: func(context.Context) (int, error) {
			*calls = append(*calls, "up")
			return 2, nil
		},
		Down: func(_ context.Context, steps int) (int, error) {
			*calls = append(*calls, "down")
			return steps, nil
		},
		Status: func(context.Context) (*Status, error) {
			*calls = append(*calls, "status")
			return &Status{AppliedVersions: []int64{1}, Pending: []PendingMigration{{Version: 2, Name: "add_index"}}}, nil
		},
	}
}

func TestParseDirection(t *testing.T) {
	for _, in := range []string{"up", " DOWN ", "Status"} {
		if _, err := ParseDirection(in); err != nil {
			t.Errorf("ParseDirection(%q) error = %v", in, err)
		}
	}
	if _, err := ParseDirection("redo"); err == nil {
		t.Fatal("expected error for redo")
	}
}

func TestExecute(t *testing.T) {
	var calls []string
	ops := fakeOperations(&calls)

	res, err := Execute(context.Background(), ops, DirectionUp, 0, 0)
	if err != nil || res.Count != 2 {
		t.Fatalf("up = %+v, %v", res, err)
	}
	res, err = Execute(context.Background(), ops, DirectionDown, 3, time.Second)
	if err != nil || res.Count != 3 {
		t.Fatalf("down = %+v, %v", res, err)
	}
	res, err = Execute(context.Background(), ops, DirectionStatus, 0, time.Second)
	if err != nil || res.Status == nil || len(res.Status.Pending) != 1 {
		t.Fatalf("status = %+v, %v", res, err)
	}
	if strings.Join(calls, ",") != "up,down,status" {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestExecute_Errors(t *testing.T) {
	var calls []string
	ops := fakeOperations(&calls)

	if _, err := Execute(context.Background(), ops, DirectionDown, 0, time.Second); err == nil {
		t.Fatal("expected error for zero down steps")
	}
	if _, err := Execute(context.Background(), ops, Direction("redo"), 1, time.Second); err == nil {
		t.Fatal("expected error for unknown direction")
	}
	if _, err := Execute(context.Background(), Operations{Up: ops.Up}, DirectionUp, 1, time.Second); err == nil {
		t.Fatal("expected error for incomplete operations")
	}
	if len(calls) != 0 {
		t.Fatalf("no operation should run, got %v", calls)
	}

	boom := errors.New("relation already exists")
	ops.Up = func(context.Context) (int, error) { return 0, boom }
	if _, err := Execute(context.Background(), ops, DirectionUp, 1, time.Second); !errors.Is(err, boom) {
		t.Fatalf("expected operation error, got %v", err)
	}
}

func TestExecute_AppliesTimeout(t *testing.T) {
	ops := Operations{
		Up: func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
		Down:   func(context.Context, int) (int, error) { return 0, nil },
		Status: func(context.Context) (*Status, error) { return &Status{}, nil },
	}
	if _, err := Execute(context.Background(), ops, DirectionUp, 1, 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
