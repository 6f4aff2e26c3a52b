package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a 1-indexed page request.
type Params struct {
	Page  int
	Limit int
}

// FromContext reads ?page= and ?limit=. Missing or invalid values fall back to
// page 1 and DefaultLimit; limit is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	return New(atoi(c.QueryParam("page")), atoi(c.QueryParam("limit")))
}

// New normalizes page and limit.
func New(page, limit int) Params {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return Params{Page: page, Limit: limit}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Offset is the number of rows skipped before this page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Meta is the pagination block of a list response.
type Meta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// NewMeta computes pages = ceil(total/limit).
func NewMeta(p Params, total int) Meta {
	return Meta{Page: p.Page, Limit: p.Limit, Total: total, Pages: Pages(total, p.Limit)}
}

// Pages returns ceil(total/limit), or 0 when there is nothing to page.
func Pages(total, limit int) int {
	if total <= 0 || limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset()+p.Limit < total
}
