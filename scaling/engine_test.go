package scaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineRunsFirstHoldingRuleByPriority(t *testing.T) {
	var low = &fakeRule{name: "low", priority: 1, holds: true}
	var high = &fakeRule{name: "high", priority: 5, holds: true}
	var mid = &fakeRule{name: "mid", priority: 3}

	var e = NewEngine(nil, Config{}, low, high, mid)
	assert.Equal(t, []Rule{high, mid, low}, e.Rules())

	var r, err = e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, high, r)

	assert.Equal(t, int64(1), high.Calls())
	assert.Equal(t, int64(1), high.Executions())
	// Lower-priority rules weren't evaluated.
	assert.Equal(t, int64(0), mid.Calls())
	assert.Equal(t, int64(0), low.Calls())

	high.holds = false
	r, err = e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, low, r)
	assert.Equal(t, int64(1), mid.Calls())
	assert.Equal(t, int64(0), mid.Executions())

	low.holds, low.err = true, errors.New("whoops")
	r, err = e.Tick(context.Background())
	assert.Equal(t, low, r)
	assert.EqualError(t, err, "whoops")
}

func TestEngineRequiresAuthority(t *testing.T) {
	var rule = &fakeRule{name: "rule", holds: true}
	var auth = &fakeAuthority{err: errors.New("lock is held elsewhere")}
	var e = NewEngine(auth, Config{LockTimeout: time.Second}, rule)

	var r, err = e.Tick(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, r)
	assert.Equal(t, int64(0), rule.Calls())

	auth.err = nil
	r, err = e.Tick(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, rule, r)
	assert.Equal(t, time.Second, auth.timeout)
}

func TestEngineServeTicksUntilCancelled(t *testing.T) {
	var rule = &fakeRule{name: "rule", holds: true}
	var e = NewEngine(nil, Config{Interval: time.Millisecond}, rule)

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error)
	go func() { done <- e.Serve(ctx) }()

	require.Eventually(t, func() bool { return rule.Executions() >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

type fakeRule struct {
	counters
	name     string
	priority int
	holds    bool
	err      error
}

func (r *fakeRule) Name() string        { return r.name }
func (r *fakeRule) Description() string { return "fake rule " + r.name }
func (r *fakeRule) Priority() int       { return r.priority }

func (r *fakeRule) EvaluateConditions() bool {
	r.calls.Add(1)
	return r.holds
}

func (r *fakeRule) PerformActions(context.Context) error {
	r.executions.Add(1)
	return r.err
}

type fakeAuthority struct {
	err     error
	timeout time.Duration
}

func (a *fakeAuthority) AcquireLock(_ context.Context, timeout time.Duration) error {
	a.timeout = timeout
	return a.err
}
