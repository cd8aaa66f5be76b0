package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Categories a book can belong to. Kept in sync with the CHECK constraint
// in the books table.
var BookCategories = []string{
	"Fiction",
	"Non-Fiction",
	"Science",
	"Technology",
	"History",
	"Biography",
	"Self-Help",
	"Business",
	"Children",
	"Comics",
	"Other",
}

func ValidCategory(category string) bool {
	for _, c := range BookCategories {
		if c == category {
			return true
		}
	}
	return false
}

type Book struct {
	ID          int             `json:"id"`
	Title       string          `json:"title"`
	Author      string          `json:"author"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category"`
	Stock       int             `json:"stock"`
	ImageURL    string          `json:"imageUrl"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type CreateBookRequest struct {
	Title       string          `json:"title" binding:"required,max=200"`
	Author      string          `json:"author" binding:"required,max=100"`
	Description string          `json:"description" binding:"max=2000"`
	Price       decimal.Decimal `json:"price" binding:"required"`
	Category    string          `json:"category" binding:"required"`
	Stock       int             `json:"stock" binding:"gte=0"`
	ImageURL    string          `json:"imageUrl"`
}

// UpdateBookRequest enumerates the mutable fields of a Book. Pointers
// distinguish "not provided" from zero values so partial updates never
// clobber a field the caller did not send.
type UpdateBookRequest struct {
	Title       *string          `json:"title" binding:"omitempty,max=200"`
	Author      *string          `json:"author" binding:"omitempty,max=100"`
	Description *string          `json:"description" binding:"omitempty,max=2000"`
	Price       *decimal.Decimal `json:"price"`
	Category    *string          `json:"category"`
	Stock       *int             `json:"stock" binding:"omitempty,gte=0"`
	ImageURL    *string          `json:"imageUrl"`
}

// BookPage is the catalog query response shape.
type BookPage struct {
	Books       []Book `json:"books"`
	TotalPages  int    `json:"totalPages"`
	CurrentPage int    `json:"currentPage"`
	TotalBooks  int    `json:"totalBooks"`
}
