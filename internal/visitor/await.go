package visitor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"visitorid/internal/resolver"
)

// Runner runs a function on a scheduler goroutine and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// Getter reads one field, registering cb when the value is not ready. It
// runs on the scheduler goroutine.
type Getter func(cb resolver.Callback) string

// Await runs get on loop and blocks until the field resolves or ctx ends.
// Getters should force their callback so confirmed-empty values settle too.
func Await(ctx context.Context, loop Runner, get Getter) (string, error) {
	ch := make(chan string, 1)
	deliver := func(v string) {
		select {
		case ch <- v:
		default:
		}
	}
	if err := loop.Do(ctx, func() {
		if v := get(deliver); v != "" {
			deliver(v)
		}
	}); err != nil {
		return "", err
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AwaitAll awaits every getter concurrently. Results are in getter order.
func AwaitAll(ctx context.Context, loop Runner, getters ...Getter) ([]string, error) {
	out := make([]string, len(getters))
	g, gctx := errgroup.WithContext(ctx)
	for i, get := range getters {
		g.Go(func() error {
			v, err := Await(gctx, loop, get)
			out[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
