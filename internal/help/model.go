package help

import (
	"errors"

	"github.com/google/uuid"
)

// ErrInvalid marks a help page rejected by validation.
var ErrInvalid = errors.New("invalid help page")

type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

type Category struct {
	ID   uuid.UUID `json:"id" db:"id"`
	Name string    `json:"name" db:"name"`
}

type Page struct {
	ID         uuid.UUID `json:"id" db:"id"`
	CategoryID uuid.UUID `json:"categoryId" db:"category_id"`
	Title      string    `json:"title" db:"title"`
}

// Content is one block of a page. ImageContent travels as base64 in JSON.
type Content struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	PageID       uuid.UUID   `json:"pageId" db:"page_id"`
	OrderID      int         `json:"orderId" db:"order_id"`
	Type         ContentType `json:"type" db:"type"`
	TextContent  string      `json:"textContent,omitempty" db:"text_content"`
	ImageContent []byte      `json:"imageContent,omitempty" db:"image_content"`
	ImageID      string      `json:"imageId,omitempty" db:"image_id"`
}

// AdminPage is a page with its category and content, as edited by admins.
// Category is matched by name and created when missing.
type AdminPage struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	Category Category  `json:"category"`
	Content  []Content `json:"content"`
}

type HelpError struct {
	Message string `json:"message"`
}
