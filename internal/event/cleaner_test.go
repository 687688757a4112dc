package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanerRunsNewestFirst(t *testing.T) {
	var order []string
	record := func(name string, err error) Callable {
		return CallableFunc(func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			order = append(order, name)
			return err
		})
	}

	boom := errors.New("boom")
	cleaner := NewCleaner(record("logger", nil))
	cleaner.Add(record("engine", nil))
	cleaner.Add(record("persistence", boom))

	require.ErrorIs(t, cleaner.Clean(), boom)
	assert.Equal(t, []string{"persistence", "engine", "logger"}, order)

	// cleaning is one-shot and ignores late registrations
	cleaner.Add(record("late", nil))
	require.ErrorIs(t, cleaner.Clean(), boom)
	assert.Equal(t, []string{"persistence", "engine", "logger"}, order)
}

func TestCleanerWithoutLogger(t *testing.T) {
	cleaner := NewCleaner(nil)
	ran := false
	cleaner.Add(CallableFunc(func(context.Context) error {
		ran = true
		return nil
	}))
	require.NoError(t, cleaner.Clean())
	assert.True(t, ran)
}
