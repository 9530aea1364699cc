package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/GoMarket/internal/repository"
	"github.com/shestoi/GoMarket/internal/service"
)

// Handler содержит HTTP-обработчики для Stock Service
// Зависит от service слоя, но не знает о деталях реализации (БД, Kafka и т.д.)
type Handler struct {
	logger    *zap.Logger
	inventory *service.InventoryService
	orders    *service.OrderService
}

// NewHandler создаёт новый HTTP handler
func NewHandler(logger *zap.Logger, inventory *service.InventoryService, orders *service.OrderService) *Handler {
	return &Handler{
		logger:    logger,
		inventory: inventory,
		orders:    orders,
	}
}

// ItemRequest представляет HTTP запрос на создание товара
type ItemRequest struct {
	ID                *string `json:"id"`
	Name              *string `json:"name"`
	Stock             *int    `json:"stock"`
	LowStockThreshold *int    `json:"low_stock_threshold"`
}

// ItemResponse представляет HTTP ответ с информацией о товаре
type ItemResponse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Stock             int32  `json:"stock"`
	ReservedStock     int32  `json:"reserved_stock"`
	LowStockThreshold int32  `json:"low_stock_threshold"`
}

// RestockRequest представляет HTTP запрос на пополнение остатка
type RestockRequest struct {
	Quantity *int    `json:"quantity"`
	Reason   *string `json:"reason"`
}

// MovementResponse представляет одну запись журнала движений в HTTP ответе
type MovementResponse struct {
	ID             string `json:"id"`
	ItemID         string `json:"item_id"`
	Action         string `json:"action"`
	Quantity       int32  `json:"quantity"`
	RemainingStock int32  `json:"remaining_stock"`
	OrderID        string `json:"order_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// OrderItem представляет товар в HTTP запросе/ответе
type OrderItem struct {
	ItemID   *string `json:"item_id"`
	Quantity *int    `json:"quantity"`
}

// OrderRequest представляет HTTP запрос на создание заказа
type OrderRequest struct {
	UserID        *string      `json:"user_id"`
	PaymentMethod *string      `json:"payment_method"`
	Items         *[]OrderItem `json:"items"`
}

// CancelRequest представляет HTTP запрос на отмену заказа
type CancelRequest struct {
	Reason *string `json:"reason"`
}

// OrderResponse представляет HTTP ответ с информацией о заказе
type OrderResponse struct {
	ID                   string      `json:"id"`
	UserID               string      `json:"user_id"`
	Status               string      `json:"status"`
	PaymentMethod        string      `json:"payment_method,omitempty"`
	IsPaid               bool        `json:"is_paid"`
	Items                []OrderItem `json:"items"`
	ReservationExpiresAt *string     `json:"reservation_expires_at,omitempty"`
}

// PostItems обрабатывает POST /items - создание товара
func (h *Handler) PostItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqBody ItemRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if reqBody.ID == nil || *reqBody.ID == "" {
		http.Error(w, "Invalid payload: id is required", http.StatusBadRequest)
		return
	}
	if reqBody.Name == nil || *reqBody.Name == "" {
		http.Error(w, "Invalid payload: name is required", http.StatusBadRequest)
		return
	}
	if reqBody.Stock != nil && *reqBody.Stock < 0 {
		http.Error(w, "Invalid payload: stock must be non-negative", http.StatusBadRequest)
		return
	}
	if reqBody.LowStockThreshold != nil && *reqBody.LowStockThreshold < 0 {
		http.Error(w, "Invalid payload: low_stock_threshold must be non-negative", http.StatusBadRequest)
		return
	}

	item := repository.Item{
		ID:   *reqBody.ID,
		Name: *reqBody.Name,
	}
	if reqBody.Stock != nil {
		item.Stock = int32(*reqBody.Stock)
	}
	if reqBody.LowStockThreshold != nil {
		item.LowStockThreshold = int32(*reqBody.LowStockThreshold)
	}

	if err := h.inventory.CreateItem(ctx, item); err != nil {
		h.writeServiceError(w, err, "failed to create item")
		return
	}

	h.writeJSON(w, http.StatusCreated, itemToResponse(item))
}

// GetItemsId обрабатывает GET /items/{id} - получение товара
func (h *Handler) GetItemsId(w http.ResponseWriter, r *http.Request, id string) {
	item, err := h.inventory.GetItem(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get item")
		return
	}

	h.writeJSON(w, http.StatusOK, itemToResponse(item))
}

// GetItemsIdAvailability обрабатывает GET /items/{id}/availability?quantity=N
func (h *Handler) GetItemsIdAvailability(w http.ResponseWriter, r *http.Request, id string) {
	quantity := int64(1)
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		var err error
		quantity, err = strconv.ParseInt(raw, 10, 32)
		if err != nil || quantity <= 0 {
			http.Error(w, "Invalid payload: quantity must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	available, stock, err := h.inventory.CheckAvailability(r.Context(), id, int32(quantity))
	if err != nil {
		h.writeServiceError(w, err, "failed to check availability")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"item_id":   id,
		"quantity":  quantity,
		"available": available,
		"stock":     stock,
	})
}

// PostItemsIdRestock обрабатывает POST /items/{id}/restock - ручное пополнение
func (h *Handler) PostItemsIdRestock(w http.ResponseWriter, r *http.Request, id string) {
	var reqBody RestockRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if reqBody.Quantity == nil || *reqBody.Quantity <= 0 {
		http.Error(w, "Invalid payload: quantity must be > 0", http.StatusBadRequest)
		return
	}

	reason := "manual restock"
	if reqBody.Reason != nil && *reqBody.Reason != "" {
		reason = *reqBody.Reason
	}

	stock, err := h.inventory.Add(r.Context(), id, int32(*reqBody.Quantity), reason)
	if err != nil {
		h.writeServiceError(w, err, "failed to restock item")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"item_id": id,
		"stock":   stock,
	})
}

// GetItemsIdMovements обрабатывает GET /items/{id}/movements?limit=N
func (h *Handler) GetItemsIdMovements(w http.ResponseWriter, r *http.Request, id string) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid payload: limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	movements, err := h.inventory.Movements(r.Context(), id, limit)
	if err != nil {
		h.writeServiceError(w, err, "failed to list movements")
		return
	}

	h.writeJSON(w, http.StatusOK, movementsToResponse(movements))
}

// PostOrders обрабатывает POST /orders - создание заказа в статусе draft
func (h *Handler) PostOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqBody OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if reqBody.UserID == nil || reqBody.Items == nil || len(*reqBody.Items) == 0 {
		http.Error(w, "Invalid payload: user_id and items are required", http.StatusBadRequest)
		return
	}

	for i, item := range *reqBody.Items {
		if item.ItemID == nil || *item.ItemID == "" {
			http.Error(w, fmt.Sprintf("Invalid payload: item_id is required in items[%d]", i), http.StatusBadRequest)
			return
		}
		if item.Quantity == nil || *item.Quantity <= 0 {
			http.Error(w, fmt.Sprintf("Invalid payload: quantity must be > 0 in items[%d]", i), http.StatusBadRequest)
			return
		}
	}

	serviceItems := make([]repository.OrderItem, 0, len(*reqBody.Items))
	for _, item := range *reqBody.Items {
		serviceItems = append(serviceItems, repository.OrderItem{
			ItemID:   *item.ItemID,
			Quantity: int32(*item.Quantity),
		})
	}

	input := service.CreateOrderInput{
		UserID: *reqBody.UserID,
		Items:  serviceItems,
	}
	if reqBody.PaymentMethod != nil {
		input.PaymentMethod = *reqBody.PaymentMethod
	}

	order, err := h.orders.CreateOrder(ctx, input)
	if err != nil {
		h.writeServiceError(w, err, "failed to create order")
		return
	}

	h.writeJSON(w, http.StatusCreated, orderToResponse(order))
}

// GetOrdersId обрабатывает GET /orders/{id} - получение заказа
func (h *Handler) GetOrdersId(w http.ResponseWriter, r *http.Request, id string) {
	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get order")
		return
	}

	h.writeJSON(w, http.StatusOK, orderToResponse(order))
}

// PostOrdersIdCheckout обрабатывает POST /orders/{id}/checkout
// Переводит заказ draft -> pending с резервированием остатков
func (h *Handler) PostOrdersIdCheckout(w http.ResponseWriter, r *http.Request, id string) {
	order, err := h.orders.Checkout(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to checkout order")
		return
	}

	h.writeJSON(w, http.StatusOK, orderToResponse(order))
}

// PostOrdersIdCancel обрабатывает POST /orders/{id}/cancel
func (h *Handler) PostOrdersIdCancel(w http.ResponseWriter, r *http.Request, id string) {
	reason := ""
	if r.Body != nil && r.ContentLength != 0 {
		var reqBody CancelRequest
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
			return
		}
		if reqBody.Reason != nil {
			reason = *reqBody.Reason
		}
	}

	if err := h.orders.CancelOrder(r.Context(), id, reason); err != nil {
		h.writeServiceError(w, err, "failed to cancel order")
		return
	}

	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get order")
		return
	}

	h.writeJSON(w, http.StatusOK, orderToResponse(order))
}

// GetOrdersIdMovements обрабатывает GET /orders/{id}/movements
// Возвращает все движения остатков, связанные с заказом
func (h *Handler) GetOrdersIdMovements(w http.ResponseWriter, r *http.Request, id string) {
	movements, err := h.inventory.MovementsByOrder(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to list order movements")
		return
	}

	h.writeJSON(w, http.StatusOK, movementsToResponse(movements))
}

// writeServiceError определяет HTTP статус на основе типа ошибки
// Бизнес-отказы (нехватка остатка, недопустимый переход) возвращаются
// клиенту с текстом; внутренние ошибки - generic 500 без деталей
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, repository.ErrItemNotFound):
		http.Error(w, "Item not found", http.StatusNotFound)
	case errors.Is(err, repository.ErrOrderNotFound):
		http.Error(w, "Order not found", http.StatusNotFound)
	case errors.Is(err, repository.ErrInsufficientStock):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrItemAlreadyExists):
		http.Error(w, "Item already exists", http.StatusConflict)
	case errors.Is(err, service.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error(msg, zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func itemToResponse(item repository.Item) ItemResponse {
	return ItemResponse{
		ID:                item.ID,
		Name:              item.Name,
		Stock:             item.Stock,
		ReservedStock:     item.ReservedStock,
		LowStockThreshold: item.LowStockThreshold,
	}
}

func movementsToResponse(movements []repository.Movement) []MovementResponse {
	resp := make([]MovementResponse, 0, len(movements))
	for _, m := range movements {
		resp = append(resp, MovementResponse{
			ID:             m.ID,
			ItemID:         m.ItemID,
			Action:         string(m.Action),
			Quantity:       m.Quantity,
			RemainingStock: m.RemainingStock,
			OrderID:        m.OrderID,
			Reason:         m.Reason,
			CreatedAt:      m.CreatedAt.Format(time.RFC3339),
		})
	}
	return resp
}

func orderToResponse(order repository.Order) OrderResponse {
	items := make([]OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		itemID := item.ItemID
		quantity := int(item.Quantity)
		items = append(items, OrderItem{
			ItemID:   &itemID,
			Quantity: &quantity,
		})
	}

	resp := OrderResponse{
		ID:            order.ID,
		UserID:        order.UserID,
		Status:        string(order.Status),
		PaymentMethod: order.PaymentMethod,
		IsPaid:        order.IsPaid,
		Items:         items,
	}
	if order.ReservationExpiresAt != nil {
		formatted := order.ReservationExpiresAt.Format(time.RFC3339)
		resp.ReservationExpiresAt = &formatted
	}
	return resp
}
