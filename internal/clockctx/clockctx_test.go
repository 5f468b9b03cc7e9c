package clockctx

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestExpiresOnMockClock(t *testing.T) {
	clk := clock.NewMock()
	ctx, cancel := WithTimeout(context.Background(), clk, time.Second)
	defer cancel()

	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)

	clk.Add(500 * time.Millisecond)
	assert.NoError(t, ctx.Err())

	clk.Add(time.Second)
	<-ctx.Done()
	assert.True(t, Expired(ctx))
}

func TestCancelIsNotExpiry(t *testing.T) {
	clk := clock.NewMock()
	ctx, cancel := WithTimeout(context.Background(), clk, time.Second)
	cancel()

	<-ctx.Done()
	assert.False(t, Expired(ctx))

	clk.Add(2 * time.Second)
	assert.False(t, Expired(ctx))
}

func TestParentCancellation(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := WithTimeout(parent, clock.NewMock(), time.Second)
	defer cancel()

	cancelParent()
	<-ctx.Done()
	assert.False(t, Expired(ctx))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
