package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/seekchat/internal/domain"
	"github.com/soyeahso/seekchat/internal/hooks"
	"github.com/soyeahso/seekchat/internal/logging"
	"github.com/soyeahso/seekchat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmins map[string]bool

func (f fakeAdmins) IsAdmin(_ context.Context, id string) (bool, error) { return f[id], nil }

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
	calls  int
	err    error
}

func (c *fakeCounter) Consume(_ context.Context, userID, day string, limit int) (bool, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return false, 0, c.err
	}
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	key := userID + "/" + day
	if c.counts[key] >= limit {
		return false, c.counts[key], nil
	}
	c.counts[key]++
	return true, c.counts[key], nil
}

func (c *fakeCounter) Count(_ context.Context, userID, day string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID+"/"+day], nil
}

var fixedNow = time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

func testLimiter(admins AdminChecker, counter Counter, limit int) *Limiter {
	return New(admins, counter, Options{
		DailyLimit: limit,
		Location:   time.UTC,
		Now:        func() time.Time { return fixedNow },
	}, logging.New(nil, "silent"))
}

func TestLimiter_AdminNeverDenied(t *testing.T) {
	counter := &fakeCounter{}
	l := testLimiter(fakeAdmins{"root": true}, counter, 1)

	for i := 0; i < 500; i++ {
		d, err := l.CheckAndConsume(context.Background(), "root")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.True(t, d.Admin)
	}
	assert.Equal(t, 0, counter.calls, "admins are not counted")
}

func TestLimiter_101stRequestDenied(t *testing.T) {
	l := testLimiter(fakeAdmins{}, &fakeCounter{}, 100)
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		d, err := l.CheckAndConsume(ctx, "u1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
		require.Equal(t, i, d.Used)
	}

	d, err := l.CheckAndConsume(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 100, d.Used)
	assert.Equal(t, 100, d.Limit)

	// Another user is unaffected.
	d, err = l.CheckAndConsume(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_ResetAtNextMidnight(t *testing.T) {
	l := testLimiter(fakeAdmins{}, &fakeCounter{}, 5)

	d, err := l.CheckAndConsume(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), d.ResetAt)
	assert.Equal(t, 8*time.Hour+30*time.Minute, d.RetryAfter(fixedNow))
	assert.Equal(t, time.Duration(0), d.RetryAfter(d.ResetAt.Add(time.Second)))
}

func TestLimiter_DayRollover(t *testing.T) {
	now := fixedNow
	counter := &fakeCounter{}
	l := New(fakeAdmins{}, counter, Options{
		DailyLimit: 1,
		Location:   time.UTC,
		Now:        func() time.Time { return now },
	}, logging.New(nil, "silent"))
	ctx := context.Background()

	d, _ := l.CheckAndConsume(ctx, "u1")
	assert.True(t, d.Allowed)
	d, _ = l.CheckAndConsume(ctx, "u1")
	assert.False(t, d.Allowed)

	now = now.Add(9 * time.Hour)
	d, err := l.CheckAndConsume(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_CounterError(t *testing.T) {
	l := testLimiter(fakeAdmins{}, &fakeCounter{err: errors.New("db down")}, 5)

	_, err := l.CheckAndConsume(context.Background(), "u1")
	assert.ErrorContains(t, err, "db down")
}

func TestLimiter_Usage(t *testing.T) {
	l := testLimiter(fakeAdmins{"root": true}, &fakeCounter{}, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.CheckAndConsume(ctx, "u1")
		require.NoError(t, err)
	}

	d, err := l.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, d.Used)
	assert.False(t, d.Allowed)

	d, err = l.Usage(ctx, "root")
	require.NoError(t, err)
	assert.True(t, d.Admin)
	assert.True(t, d.Allowed)
}

func TestLimiter_EmitsSpans(t *testing.T) {
	m := hooks.NewManager(logging.New(nil, "silent"))
	var spans []string
	m.On(hooks.EventSpanEnd, "rec", func(_ context.Context, p hooks.Payload) error {
		spans = append(spans, p.Data["span"].(string))
		return nil
	})

	l := New(fakeAdmins{}, &fakeCounter{}, Options{DailyLimit: 3, Hooks: m}, logging.New(nil, "silent"))
	_, err := l.CheckAndConsume(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{hooks.SpanAdminCheck, hooks.SpanQuotaCheck}, spans)
}

func TestLimiter_WithStore(t *testing.T) {
	db, err := store.Open(":memory:", logging.New(nil, "silent"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := store.NewUserStore(db)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, users.Ensure(ctx, domain.Identity{UserID: fmt.Sprintf("u%d", i)}))
	}
	require.NoError(t, users.SetAdmin(ctx, "u0", true))

	l := testLimiter(users, store.NewUsageStore(db), 100)

	for i := 0; i < 150; i++ {
		d, err := l.CheckAndConsume(ctx, "u0")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	for i := 1; i <= 100; i++ {
		d, err := l.CheckAndConsume(ctx, "u1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
	}
	d, err := l.CheckAndConsume(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	usage, err := l.Usage(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Used)
}
