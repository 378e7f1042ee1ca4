package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/granjadebolso/granja-sync/internal/domain"
	"github.com/granjadebolso/granja-sync/internal/store"
)

// --- Фейки ---

type gwCall struct {
	op    string
	table string
	id    string
	row   map[string]any
}

type fakeGateway struct {
	calls []gwCall

	// Ошибка на каждый push-вызов, пока счетчик не исчерпан
	failPushes int
	// Фиксированная ошибка на push (имеет приоритет над failPushes)
	pushErr error

	fetchRows map[string][]map[string]any
	fetchErr  map[string]error

	// Хук для проверки реентерабельности
	onInsert func()
}

func (f *fakeGateway) push(op, table, id string, row map[string]any) error {
	f.calls = append(f.calls, gwCall{op: op, table: table, id: id, row: row})
	if f.pushErr != nil {
		return f.pushErr
	}
	if f.failPushes > 0 {
		f.failPushes--
		return errors.New("server unavailable")
	}
	return nil
}

func (f *fakeGateway) Insert(_ context.Context, table string, row map[string]any) error {
	if f.onInsert != nil {
		f.onInsert()
	}
	return f.push("insert", table, "", row)
}

func (f *fakeGateway) Update(_ context.Context, table, id string, row map[string]any) error {
	return f.push("update", table, id, row)
}

func (f *fakeGateway) Upsert(_ context.Context, table string, row map[string]any) error {
	return f.push("upsert", table, "", row)
}

func (f *fakeGateway) Delete(_ context.Context, table, id string) error {
	return f.push("delete", table, id, nil)
}

func (f *fakeGateway) FetchSince(_ context.Context, table string, _ time.Time) ([]map[string]any, error) {
	f.calls = append(f.calls, gwCall{op: "fetch", table: table})
	if err := f.fetchErr[table]; err != nil {
		return nil, err
	}
	return f.fetchRows[table], nil
}

func (f *fakeGateway) fetchCount() int {
	n := 0
	for _, c := range f.calls {
		if c.op == "fetch" {
			n++
		}
	}
	return n
}

type fakeSessions struct{}

func (fakeSessions) Session(context.Context) (*domain.Session, error) {
	return &domain.Session{UserID: "user-1", AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeConn struct{ online bool }

func (c fakeConn) Online() bool { return c.online }

func newTestEngine(t *testing.T, gw *fakeGateway) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "granja.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewEngine(st, gw, fakeSessions{}, zap.NewNop(), nil), st
}

// --- Push ---

func TestProcessQueueReplaysInOrder(t *testing.T) {
	gw := &fakeGateway{}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	_, err := st.Enqueue(ctx, domain.ActionCreate, domain.TableLotes,
		map[string]any{"id": "l1", "quantidadeAves": 100}, "l1")
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, domain.ActionUpdate, domain.TableVendas,
		map[string]any{"valor": 55}, "v1")
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, domain.ActionDelete, domain.TableLotes, nil, "l0")
	require.NoError(t, err)

	require.NoError(t, e.ProcessQueue(ctx))

	require.Len(t, gw.calls, 3)
	assert.Equal(t, "insert", gw.calls[0].op)
	assert.Equal(t, "update", gw.calls[1].op)
	assert.Equal(t, "v1", gw.calls[1].id)
	assert.Equal(t, "delete", gw.calls[2].op)
	assert.Equal(t, "l0", gw.calls[2].id)

	n, _ := st.QueueLen(ctx)
	assert.Zero(t, n)
}

func TestDispatchInjectsOwnerAndSnakeCase(t *testing.T) {
	gw := &fakeGateway{}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	_, err := st.Enqueue(ctx, domain.ActionCreate, domain.TableLotes,
		map[string]any{"id": "l1", "quantidadeAves": 100}, "l1")
	require.NoError(t, err)

	require.NoError(t, e.ProcessQueue(ctx))

	require.Len(t, gw.calls, 1)
	row := gw.calls[0].row
	assert.Equal(t, "user-1", row["user_id"])
	assert.EqualValues(t, 100, row["quantidade_aves"])
	_, hasCamel := row["quantidadeAves"]
	assert.False(t, hasCamel)
}

func TestUpdatePayloadHasNoPk(t *testing.T) {
	gw := &fakeGateway{}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	_, err := st.Enqueue(ctx, domain.ActionUpdate, domain.TableLotes,
		map[string]any{"id": "l1", "nome": "novo"}, "l1")
	require.NoError(t, err)

	require.NoError(t, e.ProcessQueue(ctx))

	require.Len(t, gw.calls, 1)
	assert.Equal(t, "l1", gw.calls[0].id)
	_, hasID := gw.calls[0].row["id"]
	assert.False(t, hasID, "pk для update уходит в URL, а не в payload")
}

func TestFailedItemStaysWithRetryCount(t *testing.T) {
	gw := &fakeGateway{failPushes: 1}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	_, err := st.Enqueue(ctx, domain.ActionCreate, domain.TableLotes, map[string]any{"n": 1}, "l1")
	require.NoError(t, err)

	require.NoError(t, e.ProcessQueue(ctx))

	items, err := st.PeekAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
}

func TestItemDroppedAfterMaxAttempts(t *testing.T) {
	gw := &fakeGateway{failPushes: maxPushAttempts}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	_, err := st.Enqueue(ctx, domain.ActionCreate, domain.TableLotes, map[string]any{"n": 1}, "l1")
	require.NoError(t, err)

	var last Status
	e.Subscribe(func(s Status) { last = s })

	// Ровно maxPushAttempts проходов: после последнего элемент сброшен
	for i := 0; i < maxPushAttempts; i++ {
		require.NoError(t, e.ProcessQueue(ctx))
	}

	n, _ := st.QueueLen(ctx)
	assert.Zero(t, n, "после потолка попыток элемент покидает очередь")
	assert.EqualValues(t, 1, last.Dropped)
	assert.Len(t, gw.calls, maxPushAttempts)
}

func TestSurvivingItemNotDroppedEarly(t *testing.T) {
	gw := &fakeGateway{failPushes: maxPushAttempts - 1}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	_, err := st.Enqueue(ctx, domain.ActionCreate, domain.TableLotes, map[string]any{"n": 1}, "l1")
	require.NoError(t, err)

	for i := 0; i < maxPushAttempts; i++ {
		require.NoError(t, e.ProcessQueue(ctx))
	}

	// Последняя попытка удалась: мутация доставлена, не сброшена
	n, _ := st.QueueLen(ctx)
	assert.Zero(t, n)
	assert.Zero(t, e.dropped.Load())
}

func TestBreakerOpenAbortsPassWithoutBurningRetries(t *testing.T) {
	gw := &fakeGateway{pushErr: gobreaker.ErrOpenState}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	_, err := st.Enqueue(ctx, domain.ActionCreate, domain.TableLotes, map[string]any{"n": 1}, "l1")
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, domain.ActionCreate, domain.TableLotes, map[string]any{"n": 2}, "l2")
	require.NoError(t, err)

	require.NoError(t, e.ProcessQueue(ctx))

	// Проход прерван на первом же элементе, бюджет попыток не тронут
	assert.Len(t, gw.calls, 1)
	items, err := st.PeekAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Zero(t, items[0].RetryCount)
}

func TestProcessQueueOfflineIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	e, st := newTestEngine(t, gw)
	e.SetConnectivity(fakeConn{online: false})
	ctx := context.Background()

	_, err := st.Enqueue(ctx, domain.ActionCreate, domain.TableLotes, map[string]any{"n": 1}, "l1")
	require.NoError(t, err)

	require.NoError(t, e.ProcessQueue(ctx))
	assert.Empty(t, gw.calls)

	n, _ := st.QueueLen(ctx)
	assert.Equal(t, 1, n)
}

func TestPullDuringPushIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	// Пока идет push, конкурирующий pull обязан мгновенно выйти
	gw.onInsert = func() {
		require.NoError(t, e.PullUpdates(ctx))
	}

	_, err := st.Enqueue(ctx, domain.ActionCreate, domain.TableLotes, map[string]any{"n": 1}, "l1")
	require.NoError(t, err)

	require.NoError(t, e.ProcessQueue(ctx))
	assert.Zero(t, gw.fetchCount(), "pull внутри идущего push — no-op")
}

// --- Pull ---

func TestPullMergesAndAdvancesWatermark(t *testing.T) {
	gw := &fakeGateway{
		fetchRows: map[string][]map[string]any{
			domain.TableLotes: {
				{"id": "l1", "quantidade_aves": float64(80), "user_id": "user-1"},
			},
		},
	}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	require.NoError(t, e.PullUpdates(ctx))

	rows, err := st.Rows(ctx, domain.TableLotes)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// Локальный кэш живет в клиентском соглашении имен
	assert.EqualValues(t, 80, rows[0]["quantidadeAves"])

	ts, err := st.LastSync(ctx)
	require.NoError(t, err)
	assert.False(t, ts.IsZero())

	// Все pull-таблицы + manejo_diario опрошены
	assert.Equal(t, len(domain.PullTables)+1, gw.fetchCount())
}

func TestPullFailureKeepsWatermark(t *testing.T) {
	gw := &fakeGateway{
		fetchErr: map[string]error{domain.TableVendas: errors.New("boom")},
	}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	err := e.PullUpdates(ctx)
	require.Error(t, err)

	ts, err2 := st.LastSync(ctx)
	require.NoError(t, err2)
	assert.True(t, ts.IsZero(), "неполный pull не двигает watermark")
}

func TestPullIsIdempotent(t *testing.T) {
	gw := &fakeGateway{
		fetchRows: map[string][]map[string]any{
			domain.TableLotes: {{"id": "l1", "nome": "A"}},
		},
	}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	require.NoError(t, e.PullUpdates(ctx))
	require.NoError(t, e.PullUpdates(ctx))

	rows, err := st.Rows(ctx, domain.TableLotes)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "повторная дельта не плодит дубликатов")
}

func TestPullPreservesLocalOnlyRows(t *testing.T) {
	gw := &fakeGateway{
		fetchRows: map[string][]map[string]any{
			domain.TableLotes: {{"id": "srv-1", "nome": "do servidor"}},
		},
	}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	// Строка, созданная офлайн и еще не отправленная
	require.NoError(t, st.MergeRows(ctx, domain.TableLotes, []map[string]any{
		{"id": "local-1", "nome": "offline"},
	}))

	require.NoError(t, e.PullUpdates(ctx))

	rows, err := st.Rows(ctx, domain.TableLotes)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestPullManejoNestedMerge(t *testing.T) {
	gw := &fakeGateway{
		fetchRows: map[string][]map[string]any{
			domain.TableManejoDiario: {
				{"dia": "2026-08-30", "periodo": "manha", "racao_kg": float64(12)},
			},
		},
	}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	require.NoError(t, e.PullUpdates(ctx))

	all, err := st.ManejoAll(ctx)
	require.NoError(t, err)
	require.Contains(t, all, "2026-08-30")
	assert.EqualValues(t, 12, all["2026-08-30"]["manha"]["racaoKg"])
}

func TestStatusNotifiesDataChangedOnSuccessOnly(t *testing.T) {
	gw := &fakeGateway{
		fetchErr: map[string]error{domain.TableLotes: errors.New("boom")},
	}
	e, _ := newTestEngine(t, gw)

	var last Status
	e.Subscribe(func(s Status) { last = s })

	require.Error(t, e.PullUpdates(context.Background()))
	assert.False(t, last.DataChanged, "упавший pull не объявляет обновление данных")
}
