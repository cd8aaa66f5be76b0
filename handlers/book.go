package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bookstore-svc/cache"
	"bookstore-svc/circuitbreaker"
	"bookstore-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultPage  = 1
	defaultLimit = 12
	maxLimit     = 100
)

type BookHandler struct {
	db             *sql.DB
	redisClient    *redis.Client
	logger         *zap.Logger
	circuitBreaker *circuitbreaker.CircuitBreaker
}

func NewBookHandler(db *sql.DB, redisClient *redis.Client, logger *zap.Logger) *BookHandler {
	return &BookHandler{
		db:             db,
		redisClient:    redisClient,
		logger:         logger,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
	}
}

// GetBooks serves the catalog query: optional category, free-text search
// over title/author, price range, and pagination. Filters are conjunctive.
func (h *BookHandler) GetBooks(c *gin.Context) {
	ctx, span := otel.Tracer("bookstore-service").Start(c.Request.Context(), "GetBooks")
	defer span.End()

	page := parsePositiveInt(c.Query("page"), defaultPage)
	limit := parsePositiveInt(c.Query("limit"), defaultLimit)
	if limit > maxLimit {
		limit = maxLimit
	}

	where := ""
	args := []interface{}{}
	argPos := 1

	addClause := func(clause string, vals ...interface{}) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, vals...)
		argPos += len(vals)
	}

	if category := c.Query("category"); category != "" {
		addClause("category = $"+strconv.Itoa(argPos), category)
	}
	if search := c.Query("search"); search != "" {
		addClause("(title ILIKE $"+strconv.Itoa(argPos)+" OR author ILIKE $"+strconv.Itoa(argPos)+")",
			"%"+search+"%")
	}
	if minPrice := c.Query("minPrice"); minPrice != "" {
		if v, err := decimal.NewFromString(minPrice); err == nil {
			addClause("price >= $"+strconv.Itoa(argPos), v)
		}
	}
	if maxPrice := c.Query("maxPrice"); maxPrice != "" {
		if v, err := decimal.NewFromString(maxPrice); err == nil {
			addClause("price <= $"+strconv.Itoa(argPos), v)
		}
	}

	var count int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM books"+where, args...).Scan(&count); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to count books", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	query := "SELECT id, title, author, description, price, category, stock, image_url, created_at, updated_at FROM books" +
		where +
		" ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(argPos) + " OFFSET $" + strconv.Itoa(argPos+1)
	args = append(args, limit, (page-1)*limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch books", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	books := []models.Book{}
	for rows.Next() {
		var b models.Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.Description, &b.Price, &b.Category,
			&b.Stock, &b.ImageURL, &b.CreatedAt, &b.UpdatedAt); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan book", zap.Error(err))
			continue
		}
		books = append(books, b)
	}

	totalPages := (count + limit - 1) / limit

	span.SetAttributes(
		attribute.Int("books.count", len(books)),
		attribute.Int("books.total", count),
	)
	c.JSON(http.StatusOK, models.BookPage{
		Books:       books,
		TotalPages:  totalPages,
		CurrentPage: page,
		TotalBooks:  count,
	})
}

func (h *BookHandler) GetCategories(c *gin.Context) {
	ctx, span := otel.Tracer("bookstore-service").Start(c.Request.Context(), "GetCategories")
	defer span.End()

	rows, err := h.db.QueryContext(ctx, "SELECT DISTINCT category FROM books ORDER BY category")
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch categories", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	categories := []string{}
	for rows.Next() {
		var category string
		if err := rows.Scan(&category); err != nil {
			span.RecordError(err)
			continue
		}
		categories = append(categories, category)
	}

	c.JSON(http.StatusOK, categories)
}

func (h *BookHandler) GetBook(c *gin.Context) {
	ctx, span := otel.Tracer("bookstore-service").Start(c.Request.Context(), "GetBook")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("book.id", id))

	// Try cache first
	cachedData, err := cache.GetBook(ctx, h.redisClient, id)
	if err == nil {
		var book models.Book
		if err := json.Unmarshal(cachedData, &book); err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			c.JSON(http.StatusOK, book)
			return
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	var book models.Book
	dbErr := h.circuitBreaker.Execute(ctx, func() error {
		return h.db.QueryRowContext(ctx,
			"SELECT id, title, author, description, price, category, stock, image_url, created_at, updated_at FROM books WHERE id = $1",
			id,
		).Scan(&book.ID, &book.Title, &book.Author, &book.Description, &book.Price, &book.Category,
			&book.Stock, &book.ImageURL, &book.CreatedAt, &book.UpdatedAt)
	})

	if dbErr != nil {
		if errors.Is(dbErr, circuitbreaker.ErrCircuitOpen) {
			span.SetAttributes(attribute.String("circuit.state", "open"))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
			return
		}
		if errors.Is(dbErr, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Book not found"})
			return
		}
		span.RecordError(dbErr)
		h.logger.Error("Failed to fetch book", zap.Error(dbErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	// Cache the book for 5 minutes
	cache.SetBook(ctx, h.redisClient, id, book, 5*time.Minute)

	c.JSON(http.StatusOK, book)
}

func (h *BookHandler) CreateBook(c *gin.Context) {
	ctx, span := otel.Tracer("bookstore-service").Start(c.Request.Context(), "CreateBook")
	defer span.End()

	var req models.CreateBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !models.ValidCategory(req.Category) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid category: " + req.Category})
		return
	}
	if req.Price.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Price cannot be negative"})
		return
	}

	query := "INSERT INTO books (title, author, description, price, category, stock) VALUES ($1, $2, $3, $4, $5, $6)"
	args := []interface{}{req.Title, req.Author, req.Description, req.Price, req.Category, req.Stock}
	if req.ImageURL != "" {
		query = "INSERT INTO books (title, author, description, price, category, stock, image_url) VALUES ($1, $2, $3, $4, $5, $6, $7)"
		args = append(args, req.ImageURL)
	}
	query += " RETURNING id, title, author, description, price, category, stock, image_url, created_at, updated_at"

	var book models.Book
	err := h.db.QueryRowContext(ctx, query, args...).Scan(
		&book.ID, &book.Title, &book.Author, &book.Description, &book.Price, &book.Category,
		&book.Stock, &book.ImageURL, &book.CreatedAt, &book.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to create book", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("book.id", book.ID))
	h.logger.Info("Book created", zap.Int("book_id", book.ID), zap.String("title", book.Title))
	c.JSON(http.StatusCreated, book)
}

func (h *BookHandler) UpdateBook(c *gin.Context) {
	ctx, span := otel.Tracer("bookstore-service").Start(c.Request.Context(), "UpdateBook")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("book.id", id))

	var req models.UpdateBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Category != nil && !models.ValidCategory(*req.Category) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid category: " + *req.Category})
		return
	}
	if req.Price != nil && req.Price.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Price cannot be negative"})
		return
	}

	// Build update query from the provided fields only
	query := "UPDATE books SET updated_at = CURRENT_TIMESTAMP"
	args := []interface{}{}
	argPos := 1

	setField := func(column string, value interface{}) {
		query += ", " + column + " = $" + strconv.Itoa(argPos)
		args = append(args, value)
		argPos++
	}

	if req.Title != nil {
		setField("title", *req.Title)
	}
	if req.Author != nil {
		setField("author", *req.Author)
	}
	if req.Description != nil {
		setField("description", *req.Description)
	}
	if req.Price != nil {
		setField("price", *req.Price)
	}
	if req.Category != nil {
		setField("category", *req.Category)
	}
	if req.Stock != nil {
		setField("stock", *req.Stock)
	}
	if req.ImageURL != nil {
		setField("image_url", *req.ImageURL)
	}

	query += " WHERE id = $" + strconv.Itoa(argPos) +
		" RETURNING id, title, author, description, price, category, stock, image_url, created_at, updated_at"
	args = append(args, id)

	var book models.Book
	err := h.db.QueryRowContext(ctx, query, args...).Scan(
		&book.ID, &book.Title, &book.Author, &book.Description, &book.Price, &book.Category,
		&book.Stock, &book.ImageURL, &book.CreatedAt, &book.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Book not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to update book", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	cache.DeleteBook(ctx, h.redisClient, id)

	h.logger.Info("Book updated", zap.String("book_id", id))
	c.JSON(http.StatusOK, book)
}

func (h *BookHandler) DeleteBook(c *gin.Context) {
	ctx, span := otel.Tracer("bookstore-service").Start(c.Request.Context(), "DeleteBook")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("book.id", id))

	// order_items.book_id is SET NULL on delete, so order history keeps its
	// title/price snapshots.
	result, err := h.db.ExecContext(ctx, "DELETE FROM books WHERE id = $1", id)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to delete book", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Book not found"})
		return
	}

	cache.DeleteBook(ctx, h.redisClient, id)

	h.logger.Info("Book deleted", zap.String("book_id", id))
	c.JSON(http.StatusOK, gin.H{"message": "Book removed successfully"})
}

// parsePositiveInt clamps page/limit inputs: non-numeric or non-positive
// values fall back to the default.
func parsePositiveInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	return v
}
