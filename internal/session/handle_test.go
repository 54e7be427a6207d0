package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle(t *testing.T) {
	h := newHandle()
	assert.ErrorIs(t, h.Err(), ErrPending)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)

	boom := errors.New("boom")
	h.resolve(boom)
	h.resolve(nil)

	<-h.Done()
	assert.ErrorIs(t, h.Err(), boom)
	assert.ErrorIs(t, h.Wait(context.Background()), boom)
}

func TestHandle_Joined(t *testing.T) {
	h := newHandle()
	h.resolve(nil)

	assert.NoError(t, h.Err())
	assert.NoError(t, h.Wait(context.Background()))
}
