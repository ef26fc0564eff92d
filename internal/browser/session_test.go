package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"referral-sync/internal/syncerr"
)

type recordingSaver struct{ calls int }

func (r *recordingSaver) Save(context.Context, string, []byte) (string, error) {
	r.calls++
	return "unused", nil
}

func TestUninitializedSessionIsInert(t *testing.T) {
	saver := &recordingSaver{}
	m := NewManager(Options{}, saver, nil)
	ctx := context.Background()

	assert.False(t, m.IsAlive(ctx))
	assert.Equal(t, "", m.Screenshot(ctx, "login_attempt_1"))
	assert.Zero(t, saver.calls)

	err := m.Navigate(ctx, "https://example.test")
	assert.Equal(t, syncerr.CategoryBrowser, syncerr.CategoryOf(err))
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = m.FindElement(ctx, "#login", time.Second)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.HTML(ctx)
	assert.Error(t, err)
}

func TestInitializeHonorsCanceledContext(t *testing.T) {
	m := NewManager(Options{Headless: true}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Initialize(ctx, nil)
	assert.Equal(t, syncerr.CategoryBrowser, syncerr.CategoryOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, m.IsAlive(context.Background()))
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewManager(Options{}, nil, nil)
	m.Close()
	m.Close()
	assert.False(t, m.IsAlive(context.Background()))
}

func TestDefaults(t *testing.T) {
	m := NewManager(Options{}, nil, nil)
	assert.Equal(t, DefaultWaitTimeout, m.wait(0))
	assert.Equal(t, 3*time.Second, m.wait(3*time.Second))
	assert.Equal(t, `"a[name=\"x\"]"`, jsString(`a[name="x"]`))
}
