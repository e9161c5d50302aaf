package timewheel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRuns(t *testing.T) {
	tw := New(5*time.Millisecond, 4)
	require.NotNil(t, tw)
	tw.Start()
	defer tw.Stop()

	done := make(chan struct{})
	start := time.Now()
	// 超过一圈
	tw.AddJob(30*time.Millisecond, "a", func() { close(done) })
	select {
	case <-done:
		assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
}

func TestRemoveAndReplace(t *testing.T) {
	tw := New(5*time.Millisecond, 8)
	tw.Start()
	defer tw.Stop()

	var runs atomic.Int32
	tw.AddJob(20*time.Millisecond, "k", func() { runs.Add(100) })
	tw.AddJob(20*time.Millisecond, "k", func() { runs.Add(1) })
	tw.AddJob(20*time.Millisecond, "gone", func() { runs.Add(1000) })
	tw.RemoveJob("gone")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestStopUnblocksCallers(t *testing.T) {
	tw := New(time.Millisecond, 2)
	tw.Start()
	tw.Stop()
	tw.Stop()
	// 停止后不会阻塞
	tw.AddJob(time.Millisecond, "x", func() {})
	tw.RemoveJob("x")
	assert.Nil(t, New(0, 1))
}
