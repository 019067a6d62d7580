package task

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestGroupRunsQueuedAndLateTasks(t *testing.T) {
	var g = NewGroup(context.Background())
	var ran = make(chan string, 3)

	g.Queue("one", func() error { ran <- "one"; return nil })
	require.False(t, g.Started())
	g.GoRun()
	require.True(t, g.Started())

	// Tasks queued after GoRun start immediately.
	g.Queue("two", func() error { ran <- "two"; return nil })
	g.Queue("waiter", func() error {
		<-g.Context().Done()
		ran <- "waiter"
		return nil
	})
	require.ElementsMatch(t, []string{"one", "two"}, []string{<-ran, <-ran})

	g.Cancel()
	require.NoError(t, g.Wait())
	require.Equal(t, "waiter", <-ran)
}

func TestGroupCancelsOnError(t *testing.T) {
	var g = NewGroup(context.Background())

	g.Queue("failing", func() error { return errors.New("whoops") })
	g.Queue("waiter", func() error {
		<-g.Context().Done()
		return nil
	})
	g.GoRun()

	require.EqualError(t, g.Wait(), "failing: whoops")
	require.Panics(t, func() { g.GoRun() })
}
