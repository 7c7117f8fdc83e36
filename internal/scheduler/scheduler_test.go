package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epvlab/epv/internal/cache"
	"github.com/epvlab/epv/internal/domain"
	"github.com/epvlab/epv/internal/events"
)

func TestAddJob_RejectsInvalidSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a schedule", NewCacheMaintenanceJob(
		cache.NewTiered(cache.NewMemory(1<<20, zerolog.Nop()), nil, zerolog.Nop()), nil, zerolog.Nop()))
	assert.Error(t, err)
}

func TestCacheMaintenanceJob_PublishesCompactionEvent(t *testing.T) {
	tiered := cache.NewTiered(cache.NewMemory(1<<20, zerolog.Nop()), nil, zerolog.Nop())
	rec := &domain.NormalizedRecord{Symbol: "AAPL", Dataset: domain.DatasetPriceSeries}
	require.NoError(t, tiered.Put("k1", rec, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	bus := events.NewBus(zerolog.Nop())
	_, ch := bus.Subscribe(4)

	job := NewCacheMaintenanceJob(tiered, bus, zerolog.Nop())
	require.NoError(t, job.Run())

	select {
	case ev := <-ch:
		require.Equal(t, events.CacheCompacted, ev.Type)
		data, ok := ev.Data.(*events.CacheCompactedData)
		require.True(t, ok)
		assert.Equal(t, 1, data.Evicted)
	case <-time.After(time.Second):
		t.Fatal("no compaction event published")
	}
}

type stubBackup struct {
	calls int
	err   error
}

func (s *stubBackup) Backup() error {
	s.calls++
	return s.err
}

func TestBackupJob_DelegatesToService(t *testing.T) {
	backup := &stubBackup{}
	job := NewBackupJob(backup, zerolog.Nop())

	s := New(zerolog.Nop())
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, 1, backup.calls)

	backup.err = errors.New("bucket unreachable")
	assert.Error(t, s.RunNow(job))
}
