package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"bookstore-svc/kafka"
	"bookstore-svc/middleware"
	"bookstore-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const orderColumns = "id, user_id, street, city, zip_code, country, payment_method, payment_status, order_status, total_price, delivered_at, created_at, updated_at"

type OrderHandler struct {
	db       *sql.DB
	producer kafka.EventPublisher
	logger   *zap.Logger
}

func NewOrderHandler(db *sql.DB, producer kafka.EventPublisher, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		db:       db,
		producer: producer,
		logger:   logger,
	}
}

// CreateOrder runs the checkout workflow. The whole reservation runs inside
// one transaction: every stock decrement is a conditional single-statement
// update, and any failure rolls the transaction back, so stock is never
// reduced without a committed order and never goes negative.
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("bookstore-service").Start(c.Request.Context(), "CreateOrder")
	defer span.End()

	userID := c.GetInt(middleware.ContextUserID)
	span.SetAttributes(attribute.Int("user.id", userID))

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No order items"})
		return
	}
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment method: " + req.PaymentMethod})
		return
	}

	span.SetAttributes(attribute.Int("order.items", len(req.Items)))

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer tx.Rollback()

	// Reserve stock per item, in request order. The conditional decrement is
	// atomic per book, so concurrent checkouts of the same book serialize.
	items := make([]models.OrderItem, 0, len(req.Items))
	total := decimal.Zero
	for _, item := range req.Items {
		var title string
		var price decimal.Decimal
		err := tx.QueryRowContext(ctx,
			"UPDATE books SET stock = stock - $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1 AND stock >= $2 RETURNING title, price",
			item.BookID, item.Quantity,
		).Scan(&title, &price)

		if errors.Is(err, sql.ErrNoRows) {
			h.rejectItem(ctx, c, tx, item)
			return
		}
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to reserve stock", zap.Int("book_id", item.BookID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		bookID := item.BookID
		items = append(items, models.OrderItem{
			BookID:   &bookID,
			Title:    title,
			Quantity: item.Quantity,
			Price:    price,
		})
		total = total.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	var order models.Order
	var deliveredAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		"INSERT INTO orders (user_id, street, city, zip_code, country, payment_method, total_price) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING "+orderColumns,
		userID, req.ShippingAddress.Street, req.ShippingAddress.City, req.ShippingAddress.ZipCode,
		req.ShippingAddress.Country, req.PaymentMethod, total,
	).Scan(&order.ID, &order.UserID, &order.ShippingAddress.Street, &order.ShippingAddress.City,
		&order.ShippingAddress.ZipCode, &order.ShippingAddress.Country, &order.PaymentMethod,
		&order.PaymentStatus, &order.OrderStatus, &order.TotalPrice, &deliveredAt,
		&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to create order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	for i, item := range items {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO order_items (order_id, book_id, title, price, quantity, position) VALUES ($1, $2, $3, $4, $5, $6)",
			order.ID, item.BookID, item.Title, item.Price, item.Quantity, i,
		); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to insert order item", zap.Int("order_id", order.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit order", zap.Int("order_id", order.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	order.Items = items
	span.SetAttributes(attribute.Int("order.id", order.ID))
	middleware.RecordOrderPlaced("created")

	event := models.OrderEvent{
		OrderID:       order.ID,
		UserID:        order.UserID,
		OrderStatus:   order.OrderStatus,
		PaymentStatus: order.PaymentStatus,
		TotalPrice:    order.TotalPrice.StringFixed(2),
		EventType:     "order_created",
	}
	if err := kafka.PublishOrderEvent(ctx, h.producer, "order_events", event, h.logger); err != nil {
		// Event delivery is best effort; the order is already committed.
		h.logger.Error("Failed to publish order_created event", zap.Error(err))
	}

	h.logger.Info("Order created",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("order_id", order.ID),
		zap.Int("user_id", userID),
		zap.String("total_price", order.TotalPrice.StringFixed(2)))
	c.JSON(http.StatusCreated, order)
}

// rejectItem reports why a reservation matched no row: either the book does
// not exist or its stock is short. Runs inside the still-open transaction so
// the reported stock is consistent.
func (h *OrderHandler) rejectItem(ctx context.Context, c *gin.Context, tx *sql.Tx, item models.OrderItemRequest) {
	var title string
	var stock int
	err := tx.QueryRowContext(ctx, "SELECT title, stock FROM books WHERE id = $1", item.BookID).
		Scan(&title, &stock)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Book not found: %d", item.BookID)})
		return
	}
	if err != nil {
		h.logger.Error("Failed to inspect book", zap.Int("book_id", item.BookID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error": fmt.Sprintf("Insufficient stock for %q. Available: %d", title, stock),
	})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("bookstore-service").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	order, err := h.fetchOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	// Only the owner or an admin may read an order
	userID := c.GetInt(middleware.ContextUserID)
	role := c.GetString(middleware.ContextRole)
	if order.UserID != userID && role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not authorized to view this order"})
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) GetUserOrders(c *gin.Context) {
	ctx, span := otel.Tracer("bookstore-service").Start(c.Request.Context(), "GetUserOrders")
	defer span.End()

	userID := c.GetInt(middleware.ContextUserID)
	span.SetAttributes(attribute.Int("user.id", userID))

	orders, err := h.fetchOrders(ctx, "SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch user orders", zap.Int("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	c.JSON(http.StatusOK, orders)
}

func (h *OrderHandler) GetAllOrders(c *gin.Context) {
	ctx, span := otel.Tracer("bookstore-service").Start(c.Request.Context(), "GetAllOrders")
	defer span.End()

	orders, err := h.fetchOrders(ctx, "SELECT "+orderColumns+" FROM orders ORDER BY created_at DESC, id DESC")
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	c.JSON(http.StatusOK, orders)
}

// UpdateOrderStatus applies a partial status update. Only order_status and
// payment_status are mutable; transitioning into Delivered stamps
// delivered_at.
func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	ctx, span := otel.Tracer("bookstore-service").Start(c.Request.Context(), "UpdateOrderStatus")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OrderStatus == "" && req.PaymentStatus == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No status fields provided"})
		return
	}
	if req.OrderStatus != "" && !models.ValidOrderStatus(req.OrderStatus) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order status: " + req.OrderStatus})
		return
	}
	if req.PaymentStatus != "" && !models.ValidPaymentStatus(req.PaymentStatus) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment status: " + req.PaymentStatus})
		return
	}

	query := "UPDATE orders SET updated_at = CURRENT_TIMESTAMP"
	args := []interface{}{}
	argPos := 1

	if req.OrderStatus != "" {
		query += ", order_status = $" + strconv.Itoa(argPos)
		args = append(args, req.OrderStatus)
		argPos++
		if models.OrderStatus(req.OrderStatus) == models.OrderStatusDelivered {
			query += ", delivered_at = CURRENT_TIMESTAMP"
		}
	}
	if req.PaymentStatus != "" {
		query += ", payment_status = $" + strconv.Itoa(argPos)
		args = append(args, req.PaymentStatus)
		argPos++
	}

	query += " WHERE id = $" + strconv.Itoa(argPos) + " RETURNING " + orderColumns
	args = append(args, orderID)

	order, err := h.scanOrder(h.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to update order status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	order.Items, err = h.fetchOrderItems(ctx, order.ID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch order items", zap.Int("order_id", order.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	event := models.OrderEvent{
		OrderID:       order.ID,
		UserID:        order.UserID,
		OrderStatus:   order.OrderStatus,
		PaymentStatus: order.PaymentStatus,
		TotalPrice:    order.TotalPrice.StringFixed(2),
		EventType:     "order_status_updated",
	}
	if err := kafka.PublishOrderEvent(ctx, h.producer, "order_events", event, h.logger); err != nil {
		h.logger.Error("Failed to publish order_status_updated event", zap.Error(err))
	}

	h.logger.Info("Order status updated",
		zap.Int("order_id", order.ID),
		zap.String("order_status", string(order.OrderStatus)),
		zap.String("payment_status", string(order.PaymentStatus)))
	c.JSON(http.StatusOK, order)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (h *OrderHandler) scanOrder(row rowScanner) (models.Order, error) {
	var order models.Order
	var deliveredAt sql.NullTime
	err := row.Scan(&order.ID, &order.UserID, &order.ShippingAddress.Street, &order.ShippingAddress.City,
		&order.ShippingAddress.ZipCode, &order.ShippingAddress.Country, &order.PaymentMethod,
		&order.PaymentStatus, &order.OrderStatus, &order.TotalPrice, &deliveredAt,
		&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return models.Order{}, err
	}
	if deliveredAt.Valid {
		order.DeliveredAt = &deliveredAt.Time
	}
	return order, nil
}

func (h *OrderHandler) fetchOrder(ctx context.Context, orderID int) (models.Order, error) {
	order, err := h.scanOrder(h.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if err != nil {
		return models.Order{}, err
	}
	order.Items, err = h.fetchOrderItems(ctx, order.ID)
	if err != nil {
		return models.Order{}, err
	}
	return order, nil
}

func (h *OrderHandler) fetchOrders(ctx context.Context, query string, args ...interface{}) ([]models.Order, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := h.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		orders[i].Items, err = h.fetchOrderItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (h *OrderHandler) fetchOrderItems(ctx context.Context, orderID int) ([]models.OrderItem, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT book_id, title, price, quantity FROM order_items WHERE order_id = $1 ORDER BY position",
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.OrderItem{}
	for rows.Next() {
		var item models.OrderItem
		var bookID sql.NullInt64
		if err := rows.Scan(&bookID, &item.Title, &item.Price, &item.Quantity); err != nil {
			return nil, err
		}
		if bookID.Valid {
			id := int(bookID.Int64)
			item.BookID = &id
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
