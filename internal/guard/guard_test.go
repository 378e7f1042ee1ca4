package guard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/granjadebolso/granja-sync/internal/audit"
	"github.com/granjadebolso/granja-sync/internal/domain"
	"github.com/granjadebolso/granja-sync/internal/infra/auth"
)

// --- Фейки ---

type fakeValidator struct {
	userID string
	err    error
}

func (v fakeValidator) VerifyToken(string) (*domain.CustomClaims, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &domain.CustomClaims{UserID: v.userID}, nil
}

type fakeOwners struct {
	owners map[string]string // resourceID → userID
	err    error
	panics bool
}

func (f fakeOwners) OwnerOf(_ context.Context, _, id string) (string, error) {
	if f.panics {
		panic("corrupted index")
	}
	if f.err != nil {
		return "", f.err
	}
	owner, ok := f.owners[id]
	if !ok {
		return "", domain.ErrRecordNotFound
	}
	return owner, nil
}

type fakeTrail struct {
	entries []audit.Entry
}

func (f *fakeTrail) Record(e audit.Entry) { f.entries = append(f.entries, e) }

type fakeReporter struct {
	reported []string
}

func (f *fakeReporter) ReportViolation(_ context.Context, userID string) {
	f.reported = append(f.reported, userID)
}

func newTestGuard(v auth.TokenValidator, repo OwnershipReader, trail *fakeTrail, rep ViolationReporter) *Guard {
	return NewGuard(v, repo, trail, rep, zap.NewNop())
}

func requestWithToken(t *testing.T) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/v1/records/lotes/l1", nil)
	r.Header.Set("Authorization", "Bearer token")
	return r
}

// --- Verify ---

func TestVerifyNoHeaderIsUnauthorized(t *testing.T) {
	g := newTestGuard(fakeValidator{userID: "u1"}, fakeOwners{}, &fakeTrail{}, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	dec := g.Verify(r, domain.TableLotes, "l1")
	assert.Equal(t, domain.DecisionUnauthorized, dec.Status)
}

func TestVerifyBadTokenIsUnauthorized(t *testing.T) {
	g := newTestGuard(fakeValidator{err: errors.New("expired")}, fakeOwners{}, &fakeTrail{}, nil)

	dec := g.Verify(requestWithToken(t), domain.TableLotes, "l1")
	assert.Equal(t, domain.DecisionUnauthorized, dec.Status)
}

func TestVerifyCollectionOpIsGranted(t *testing.T) {
	trail := &fakeTrail{}
	g := newTestGuard(fakeValidator{userID: "u1"}, fakeOwners{}, trail, nil)

	dec := g.Verify(requestWithToken(t), domain.TableLotes, "")
	assert.Equal(t, domain.DecisionGranted, dec.Status)
	require.NotNil(t, dec.User)
	assert.Equal(t, "u1", dec.User.ID)
	assert.Empty(t, trail.entries)
}

func TestVerifyOwnRowIsGranted(t *testing.T) {
	trail := &fakeTrail{}
	g := newTestGuard(
		fakeValidator{userID: "u1"},
		fakeOwners{owners: map[string]string{"l1": "u1"}},
		trail, nil)

	dec := g.Verify(requestWithToken(t), domain.TableLotes, "l1")
	assert.Equal(t, domain.DecisionGranted, dec.Status)
	assert.Empty(t, trail.entries)
}

func TestVerifyForeignRowIsForbiddenAndAudited(t *testing.T) {
	trail := &fakeTrail{}
	rep := &fakeReporter{}
	g := newTestGuard(
		fakeValidator{userID: "u1"},
		fakeOwners{owners: map[string]string{"l1": "u2"}},
		trail, rep)

	r := requestWithToken(t)
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	dec := g.Verify(r, domain.TableLotes, "l1")
	assert.Equal(t, domain.DecisionForbidden, dec.Status)
	assert.Equal(t, "Access denied: Resource belongs to another user", dec.Message)

	require.Len(t, trail.entries, 1)
	e := trail.entries[0]
	assert.Equal(t, audit.ActionSecurityViolation, e.Action)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, domain.TableLotes, e.Entity)
	assert.Equal(t, "l1", e.EntityID)
	assert.Equal(t, "203.0.113.7", e.Metadata["ip"])

	assert.Equal(t, []string{"u1"}, rep.reported)
}

func TestVerifyMissingRowIsNotFoundAndNotAudited(t *testing.T) {
	trail := &fakeTrail{}
	g := newTestGuard(fakeValidator{userID: "u1"}, fakeOwners{}, trail, nil)

	dec := g.Verify(requestWithToken(t), domain.TableLotes, "ghost")
	assert.Equal(t, domain.DecisionNotFound, dec.Status)
	assert.Empty(t, trail.entries, "опечатки не засоряют журнал безопасности")
}

// Upsert по еще не существующей строке и delete по так и не доехавшей до
// сервера строке — штатные мутации офлайн-клиента, а не ошибка 404.
func TestVerifyMissingRowGrantedForPutAndDelete(t *testing.T) {
	trail := &fakeTrail{}
	g := newTestGuard(fakeValidator{userID: "u1"}, fakeOwners{}, trail, nil)

	for _, method := range []string{http.MethodPut, http.MethodDelete} {
		r := httptest.NewRequest(method, "/v1/records/lotes/fresh", nil)
		r.Header.Set("Authorization", "Bearer token")

		dec := g.Verify(r, domain.TableLotes, "fresh")
		assert.Equal(t, domain.DecisionGranted, dec.Status, method)
		require.NotNil(t, dec.User, method)
		assert.Equal(t, "u1", dec.User.ID, method)
	}
	assert.Empty(t, trail.entries)
}

func TestVerifyMissingRowStaysNotFoundForPatch(t *testing.T) {
	g := newTestGuard(fakeValidator{userID: "u1"}, fakeOwners{}, &fakeTrail{}, nil)

	r := httptest.NewRequest(http.MethodPatch, "/v1/records/lotes/ghost", nil)
	r.Header.Set("Authorization", "Bearer token")

	dec := g.Verify(r, domain.TableLotes, "ghost")
	assert.Equal(t, domain.DecisionNotFound, dec.Status, "patch нечего сливать, строки нет")
}

func TestVerifyLookupErrorFailsClosed(t *testing.T) {
	g := newTestGuard(
		fakeValidator{userID: "u1"},
		fakeOwners{err: errors.New("connection refused")},
		&fakeTrail{}, nil)

	dec := g.Verify(requestWithToken(t), domain.TableLotes, "l1")
	assert.Equal(t, domain.DecisionError, dec.Status)
}

func TestVerifyPanicFailsClosed(t *testing.T) {
	g := newTestGuard(fakeValidator{userID: "u1"}, fakeOwners{panics: true}, &fakeTrail{}, nil)

	dec := g.Verify(requestWithToken(t), domain.TableLotes, "l1")
	assert.Equal(t, domain.DecisionError, dec.Status, "паника внутри проверки — отказ, а не пропуск")
}

// --- Middleware ---

// Роутер собран как в боевом server.routes(): guard внутри подроутера /{id},
// иначе chi не успевает заполнить URL-параметр id к моменту его вызова.
func newGuardedRouter(g *Guard, saw *string) http.Handler {
	echo := func(w http.ResponseWriter, req *http.Request) {
		if id, ok := auth.UserIDFromContext(req.Context()); ok {
			*saw = id
		}
		w.WriteHeader(http.StatusOK)
	}
	r := chi.NewRouter()
	r.Route("/v1/records/{table}", func(r chi.Router) {
		r.With(RequireOwnership(g)).Post("/", echo)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(RequireOwnership(g))
			r.Patch("/", echo)
			r.Put("/", echo)
			r.Delete("/", echo)
		})
	})
	return r
}

func TestMiddlewareForbiddenOnForeignRow(t *testing.T) {
	trail := &fakeTrail{}
	g := newTestGuard(
		fakeValidator{userID: "u1"},
		fakeOwners{owners: map[string]string{"l1": "u2"}},
		trail, nil)

	var saw string
	router := newGuardedRouter(g, &saw)

	req := httptest.NewRequest(http.MethodPut, "/v1/records/lotes/l1", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, saw, "обработчик не должен выполняться")
	assert.Len(t, trail.entries, 1)
}

func TestMiddlewarePassesOwnerThrough(t *testing.T) {
	g := newTestGuard(
		fakeValidator{userID: "u1"},
		fakeOwners{owners: map[string]string{"l1": "u1"}},
		&fakeTrail{}, nil)

	var saw string
	router := newGuardedRouter(g, &saw)

	req := httptest.NewRequest(http.MethodPut, "/v1/records/lotes/l1", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", saw)
}

func TestMiddlewarePutOnMissingRowReachesHandler(t *testing.T) {
	g := newTestGuard(fakeValidator{userID: "u1"}, fakeOwners{}, &fakeTrail{}, nil)

	var saw string
	router := newGuardedRouter(g, &saw)

	req := httptest.NewRequest(http.MethodPut, "/v1/records/lotes/fresh", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", saw, "upsert создает строку, guard его пропускает")
}

func TestMiddlewareUnknownTableIs404(t *testing.T) {
	g := newTestGuard(fakeValidator{userID: "u1"}, fakeOwners{}, &fakeTrail{}, nil)

	var saw string
	router := newGuardedRouter(g, &saw)

	req := httptest.NewRequest(http.MethodPut, "/v1/records/usuarios/u9", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMiddlewareUnauthorizedWithoutToken(t *testing.T) {
	g := newTestGuard(fakeValidator{userID: "u1"}, fakeOwners{}, &fakeTrail{}, nil)

	var saw string
	router := newGuardedRouter(g, &saw)

	req := httptest.NewRequest(http.MethodPut, "/v1/records/lotes/l1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
