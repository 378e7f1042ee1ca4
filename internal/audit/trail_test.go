package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]Entry
}

func (m *memStorage) WriteBatch(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make([]Entry, len(entries))
	copy(batch, entries)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestTrailFlushesEverythingOnStop(t *testing.T) {
	st := &memStorage{}
	trail := NewTrail(st, zap.NewNop(), 100, 50, time.Hour)
	trail.Start()

	for i := 0; i < 7; i++ {
		trail.Record(Entry{ID: "e", UserID: "u1", Action: ActionSecurityViolation})
	}
	trail.Stop()

	assert.Equal(t, 7, st.total(), "drain при остановке дописывает весь буфер")
}

func TestTrailFlushesOnBatchSize(t *testing.T) {
	st := &memStorage{}
	trail := NewTrail(st, zap.NewNop(), 100, 3, time.Hour)
	trail.Start()
	defer trail.Stop()

	for i := 0; i < 3; i++ {
		trail.Record(Entry{ID: "e", UserID: "u1"})
	}

	// Пачка должна уйти по достижении лимита, без таймера и без Stop
	require.Eventually(t, func() bool { return st.total() == 3 }, time.Second, 10*time.Millisecond)
}

func TestTrailFlushesOnTicker(t *testing.T) {
	st := &memStorage{}
	trail := NewTrail(st, zap.NewNop(), 100, 50, 20*time.Millisecond)
	trail.Start()
	defer trail.Stop()

	trail.Record(Entry{ID: "e", UserID: "u1"})

	require.Eventually(t, func() bool { return st.total() == 1 }, time.Second, 10*time.Millisecond)
}

func TestTrailStampsMissingTimestamp(t *testing.T) {
	st := &memStorage{}
	trail := NewTrail(st, zap.NewNop(), 10, 1, time.Hour)
	trail.Start()

	trail.Record(Entry{ID: "e", UserID: "u1"})
	trail.Stop()

	require.Equal(t, 1, st.total())
	assert.False(t, st.batches[0][0].Timestamp.IsZero())
}

func TestTrailDropsAfterStop(t *testing.T) {
	st := &memStorage{}
	trail := NewTrail(st, zap.NewNop(), 10, 5, time.Hour)
	trail.Start()
	trail.Stop()

	// Запись после остановки не паникует и не попадает в хранилище
	trail.Record(Entry{ID: "late", UserID: "u1"})
	assert.Zero(t, st.total())
}
