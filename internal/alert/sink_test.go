package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	name string
	err  error
	mu   sync.Mutex
	got  []model.Alert
}

func (r *recordingNotifier) Name() string { return r.name }
func (r *recordingNotifier) Send(_ context.Context, a model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return r.err
}

type blockingNotifier struct{}

func (blockingNotifier) Name() string { return "slow" }
func (blockingNotifier) Send(ctx context.Context, _ model.Alert) error {
	<-ctx.Done()
	return ctx.Err()
}

type panickingNotifier struct{}

func (panickingNotifier) Name() string                            { return "panics" }
func (panickingNotifier) Send(context.Context, model.Alert) error { panic("boom") }

func mkAlert(i int, level model.AlertLevel, source string) model.Alert {
	return model.Alert{
		Timestamp: time.Unix(int64(i), 0).UTC(),
		Level:     level,
		Message:   fmt.Sprintf("alert %d", i),
		Source:    source,
	}
}

func TestPublishFanOutIsolatesFailures(t *testing.T) {
	var failures atomic.Int32
	s := NewSink(SinkOptions{OnDelivery: func(_ string, err error) {
		if err != nil {
			failures.Add(1)
		}
	}})
	ok := &recordingNotifier{name: "ok"}
	bad := &recordingNotifier{name: "bad", err: errors.New("smtp down")}
	s.AddNotifier(bad)
	s.AddNotifier(panickingNotifier{})
	s.AddNotifier(ok)

	s.Publish(context.Background(), mkAlert(1, model.LevelWarning, "file"))

	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
	assert.Equal(t, int32(2), failures.Load())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []string{"bad", "panics", "ok"}, s.Notifiers())
}

func TestPublishBoundedByTimeout(t *testing.T) {
	s := NewSink(SinkOptions{Timeout: 50 * time.Millisecond})
	s.AddNotifier(blockingNotifier{})

	start := time.Now()
	s.Publish(context.Background(), mkAlert(1, model.LevelInfo, "x"))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHistoryBounded(t *testing.T) {
	s := NewSink(SinkOptions{History: 3})
	for i := 1; i <= 5; i++ {
		s.Publish(context.Background(), mkAlert(i, model.LevelInfo, "x"))
	}
	assert.Equal(t, 3, s.Len())
	got := s.Recent(0, 0, "")
	require.Len(t, got, 3)
	assert.Equal(t, "alert 5", got[0].Message)
	assert.Equal(t, "alert 3", got[2].Message)
}

func TestRecentFilters(t *testing.T) {
	s := NewSink(SinkOptions{})
	s.Seed([]model.Alert{
		mkAlert(1, model.LevelInfo, "file"),
		mkAlert(2, model.LevelCritical, "file"),
		mkAlert(3, model.LevelWarning, "system"),
		mkAlert(4, model.LevelWarning, "file"),
	})

	assert.Len(t, s.Recent(0, model.LevelWarning, ""), 3)
	assert.Len(t, s.Recent(0, 0, "file"), 3)
	got := s.Recent(1, model.LevelWarning, "file")
	require.Len(t, got, 1)
	assert.Equal(t, "alert 4", got[0].Message)
}

func TestRecordSkipsNotifiers(t *testing.T) {
	r := &recordingNotifier{name: "rec"}
	s := NewSink(SinkOptions{})
	s.AddNotifier(r)

	s.Record(mkAlert(1, model.LevelInfo, "file"))
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, r.got)
}
