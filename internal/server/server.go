package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/granjadebolso/granja-sync/internal/guard"
	"github.com/granjadebolso/granja-sync/internal/infra"
	"github.com/granjadebolso/granja-sync/internal/infra/auth"
	"github.com/granjadebolso/granja-sync/internal/server/handler"
	"github.com/granjadebolso/granja-sync/internal/server/service"
)

type APIServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	// Блок-лист злостных нарушителей изоляции
	blocklist *service.Blocklist

	// Guard владения строкой для record-scoped роутов
	accessGuard *guard.Guard

	// Обработчики бизнес-доменов
	authHandler   *handler.AuthHandler      // /auth/token
	recordHandler *handler.RecordHandler    // /v1/records
	syncHandler   *handler.SyncHandler      // /v1/sync
	auditHandler  *handler.AuditHandler     // /v1/audit
	dashHandler   *handler.DashboardHandler // /v1/dashboard
}

// NewAPIServer инициализирует сервер синхронизации со всеми зависимостями
func NewAPIServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	blocklist *service.Blocklist,
	accessGuard *guard.Guard,
	authH *handler.AuthHandler,
	recordH *handler.RecordHandler,
	syncH *handler.SyncHandler,
	auditH *handler.AuditHandler,
	dashH *handler.DashboardHandler,
) *APIServer {
	s := &APIServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("granja-api"),
		cfg:           cfg,
		authValidator: validator,
		blocklist:     blocklist,
		accessGuard:   accessGuard,
		authHandler:   authH,
		recordHandler: recordH,
		syncHandler:   syncH,
		auditHandler:  auditH,
		dashHandler:   dashH,
	}

	s.routes()
	return s
}

func (s *APIServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck: по нему же агент щупает доступность сервера
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		// Подключаем универсальный Middleware только для этой группы
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		// Заблокированные отрезаются до бизнес-логики
		r.Use(s.blocklist.Middleware)

		// Мутации записей: каждый record-scoped запрос проходит guard владения.
		// Guard живет внутри подроутера /{id}: chi заполняет URL-параметр
		// только при матче вложенного роутера, навешенный уровнем выше
		// middleware увидел бы пустой id и пропустил бы проверку владения
		r.Route("/v1/records/{table}", func(r chi.Router) {
			r.With(guard.RequireOwnership(s.accessGuard)).Post("/", s.recordHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Use(guard.RequireOwnership(s.accessGuard))
				r.Patch("/", s.recordHandler.Update)
				r.Put("/", s.recordHandler.Upsert)
				r.Delete("/", s.recordHandler.Delete)
			})
		})

		// Инкрементальный pull (коллекционный, скоупится по токену)
		r.Get("/v1/sync/{table}", s.syncHandler.Pull)

		// Аудит и сводка (Observability)
		r.Get("/v1/audit", s.auditHandler.GetLogs)
		r.Get("/v1/dashboard/stats", s.dashHandler.GetStats)
	})
}

// ServeHTTP позволяет использовать APIServer как стандартный http.Handler
func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
