package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeComponent struct {
	name     string
	j        *journal
	startErr error
	stopErr  error
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start() error {
	f.j.add("start " + f.name)
	return f.startErr
}

func (f *fakeComponent) Stop() error {
	f.j.add("stop " + f.name)
	return f.stopErr
}

func TestRun_StartsInOrderStopsInReverse(t *testing.T) {
	j := &journal{}
	r := New(nil)
	r.Add(&fakeComponent{name: "a", j: j})
	r.Add(&fakeComponent{name: "b", j: j})
	r.Add(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(j.list()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, j.list())
}

func TestStart_FailureRollsBack(t *testing.T) {
	j := &journal{}
	r := New(nil)
	r.Add(&fakeComponent{name: "a", j: j})
	r.Add(&fakeComponent{name: "b", j: j, startErr: errors.New("port in use")})
	r.Add(&fakeComponent{name: "c", j: j})

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")
	assert.Equal(t, []string{"start a", "start b", "stop a"}, j.list())
}

func TestRun_StageFailureStops(t *testing.T) {
	j := &journal{}
	r := New(nil)
	r.Add(&fakeComponent{name: "a", j: j})
	r.AddStage("poll", func(context.Context) error { return errors.New("fatal") })

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll stage: fatal")
	assert.Equal(t, []string{"start a", "stop a"}, j.list())
}

func TestRun_ShutdownFromStage(t *testing.T) {
	j := &journal{}
	r := New(nil)
	r.Add(&fakeComponent{name: "a", j: j})
	r.AddStage("once", func(ctx context.Context) error {
		j.add("once")
		r.Shutdown()
		return nil
	})

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{"start a", "once", "stop a"}, j.list())
}

func TestStop_JoinsErrors(t *testing.T) {
	j := &journal{}
	r := New(nil)
	r.Add(&fakeComponent{name: "a", j: j, stopErr: errors.New("a stuck")})
	r.Add(&fakeComponent{name: "b", j: j, stopErr: errors.New("b stuck")})

	require.NoError(t, r.Start())
	err := r.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a stuck")
	assert.Contains(t, err.Error(), "b stuck")

	// second stop has nothing left to stop
	require.NoError(t, r.Stop())
}
