package retry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coral-mesh/probe-mcp/internal/retry"
)

var errNoControlBlock = errors.New("RTT control block not found")

// Example polls for an RTT control block that appears on the third scan.
func Example() {
	cfg := retry.Config{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	}

	scans := 0
	addr, err := retry.DoValue(context.Background(), cfg, func() (uint64, error) {
		scans++
		if scans < 3 {
			return 0, errNoControlBlock
		}
		return 0x20000400, nil
	}, func(err error) bool {
		return errors.Is(err, errNoControlBlock)
	})

	if err != nil {
		fmt.Printf("Failed: %v\n", err)
	} else {
		fmt.Printf("Found control block at 0x%08X after %d scans\n", addr, scans)
	}
	// Output: Found control block at 0x20000400 after 3 scans
}

// Example_permanentError stops at the first error the predicate rejects.
func Example_permanentError() {
	cfg := retry.Config{
		MaxRetries:     10,
		InitialBackoff: time.Millisecond,
	}

	attempts := 0
	err := retry.Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("unknown target chip")
	}, func(err error) bool {
		return errors.Is(err, errNoControlBlock)
	})

	fmt.Printf("%v after %d attempt\n", err, attempts)
	// Output: unknown target chip after 1 attempt
}

// Example_withTimeout bounds the whole retry loop with a context.
func Example_withTimeout() {
	cfg := retry.Config{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := retry.Do(ctx, cfg, func() error {
		return errors.New("connection refused")
	}, nil)

	if errors.Is(err, context.DeadlineExceeded) {
		fmt.Println("Gave up waiting for the GDB server")
	} else {
		fmt.Printf("Failed: %v\n", err)
	}
	// Output: Gave up waiting for the GDB server
}
