package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureError_Is(t *testing.T) {
	cause := errors.New("exit status 1")
	tr := NewTransient("command failed", cause)
	pe := NewPermanent("bad output", nil)

	assert.True(t, errors.Is(tr, ErrTransient))
	assert.False(t, errors.Is(tr, ErrPermanent))
	assert.True(t, errors.Is(tr, cause))
	assert.True(t, errors.Is(pe, ErrPermanent))

	wrapped := fmt.Errorf("step 2: %w", pe)
	assert.True(t, errors.Is(wrapped, ErrPermanent))

	assert.Equal(t, "transient failure: command failed: exit status 1", tr.Error())
	assert.Equal(t, "permanent failure: bad output", pe.Error())
}

func TestClassify(t *testing.T) {
	kind, _ := Classify(fmt.Errorf("wrapped: %w", NewPermanent("x", nil)))
	assert.Equal(t, Permanent, kind)

	kind, detail := Classify(errors.New("boom"))
	assert.Equal(t, Transient, kind)
	assert.Equal(t, "boom", detail)
}

func TestWithRateLimit(t *testing.T) {
	calls := 0
	base := Func(func(ctx context.Context, req Request) (Outcome, error) {
		calls++
		return Completed(req.Step), nil
	})

	_, isLimited := WithRateLimit(base, 0).(*Limited)
	assert.False(t, isLimited)

	limited := WithRateLimit(base, 1)
	out, err := limited.Invoke(context.Background(), Request{Step: "a"})
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, out.Kind)

	// The bucket is empty for the next minute; a short deadline fails transiently.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.Invoke(ctx, Request{Step: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 1, calls)

	status := limited.(Prober).Probe()
	assert.True(t, status.Available)
	assert.Equal(t, "func", status.Name)
}
