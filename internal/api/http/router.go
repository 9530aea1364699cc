package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	platformhealth "github.com/shestoi/GoMarket/platform/health/http"

	"github.com/shestoi/GoMarket/internal/api/http/middleware"
)

// NewRouter создаёт и настраивает HTTP роутер для Stock Service
// readiness - функция для проверки готовности сервиса (например, проверка БД).
// Если readiness возвращает false, health endpoint вернёт 503 Service Unavailable.
func NewRouter(handler *Handler, readiness func() bool) chi.Router {
	router := chi.NewRouter()

	// Складские endpoints не требуют сессии: ими пользуются внутренние
	// сервисы (каталог, админка)
	router.Route("/items", func(r chi.Router) {
		r.Post("/", handler.PostItems)
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			handler.GetItemsId(w, r, chi.URLParam(r, "id"))
		})
		r.Get("/{id}/availability", func(w http.ResponseWriter, r *http.Request) {
			handler.GetItemsIdAvailability(w, r, chi.URLParam(r, "id"))
		})
		r.Post("/{id}/restock", func(w http.ResponseWriter, r *http.Request) {
			handler.PostItemsIdRestock(w, r, chi.URLParam(r, "id"))
		})
		r.Get("/{id}/movements", func(w http.ResponseWriter, r *http.Request) {
			handler.GetItemsIdMovements(w, r, chi.URLParam(r, "id"))
		})
	})

	// /orders* требуют x-session-id (middleware возвращает 401 при отсутствии)
	router.Route("/orders", func(r chi.Router) {
		r.Use(middleware.WithSessionID)
		r.Post("/", handler.PostOrders)
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			handler.GetOrdersId(w, r, chi.URLParam(r, "id"))
		})
		r.Post("/{id}/checkout", func(w http.ResponseWriter, r *http.Request) {
			handler.PostOrdersIdCheckout(w, r, chi.URLParam(r, "id"))
		})
		r.Post("/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			handler.PostOrdersIdCancel(w, r, chi.URLParam(r, "id"))
		})
		r.Get("/{id}/movements", func(w http.ResponseWriter, r *http.Request) {
			handler.GetOrdersIdMovements(w, r, chi.URLParam(r, "id"))
		})
	})

	// Health без middleware (не требует сессии)
	router.Get("/health", platformhealth.Handler(readiness))

	return router
}
