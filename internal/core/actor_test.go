package core_test

import (
	"context"
	"testing"

	"DerivLedger/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActor_AcceptedCallOutlivesCallerCancel(t *testing.T) {
	f := newFixture(t, nil)
	a := core.NewActor(f.core, 1)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = a.Run(runCtx) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen error
	err := a.Do(ctx, func(ctx context.Context, c *core.DeterministicCore) {
		cancel()
		seen = ctx.Err()
	})
	require.NoError(t, err)
	assert.NoError(t, seen)
}

func TestActor_DoAfterStop(t *testing.T) {
	f := newFixture(t, nil)
	a := core.NewActor(f.core, 1)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(runCtx)
		close(done)
	}()
	stop()
	<-done

	err := a.Do(context.Background(), func(context.Context, *core.DeterministicCore) {})
	assert.ErrorIs(t, err, core.ErrActorStopped)
}
