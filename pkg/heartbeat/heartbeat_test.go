package heartbeat

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsInvalidCron(t *testing.T) {
	s := NewService()
	err := s.Add(Job{Name: "bad", Cron: "not a cron", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)

	err = s.Add(Job{Name: "hourly", Cron: "0 * * * *", Run: func(context.Context) error { return nil }})
	assert.NoError(t, err)
}

func TestEverySecondJobFires(t *testing.T) {
	var ticks atomic.Int64
	s := NewService()
	require.NoError(t, s.Add(Job{
		Name: "ticker",
		Cron: "* * * * * *", // gronx supports a seconds field
		Run: func(context.Context) error {
			ticks.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	deadline := time.After(5 * time.Second)
	for ticks.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never fired")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	s.Wait()
}

func TestKickRunsEverything(t *testing.T) {
	var a, b atomic.Int64
	s := NewService()
	require.NoError(t, s.Add(Job{Name: "a", Cron: "0 * * * *", Run: func(context.Context) error {
		a.Add(1)
		return nil
	}}))
	require.NoError(t, s.Add(Job{Name: "b", Cron: "0 * * * *", Run: func(context.Context) error {
		b.Add(1)
		return fmt.Errorf("still counts as a run")
	}}))

	s.Kick(context.Background())
	assert.Equal(t, int64(1), a.Load())
	assert.Equal(t, int64(1), b.Load())
}
