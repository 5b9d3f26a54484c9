// Package pagination provides limit/offset extraction and the response
// envelope used by list endpoints.
package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds the page window requested by the caller.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset from the query string, applying the
// default and cap. Unparseable values fall back to the defaults.
func FromContext(c echo.Context) Params {
	limit := queryInt(c, "limit")
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	offset := queryInt(c, "offset")
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

func queryInt(c echo.Context, name string) int {
	n, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return 0
	}
	return n
}

// Response is the envelope list endpoints return around a page of results.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// SQL renders the window as a LIMIT/OFFSET clause.
func (p Params) SQL() string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", p.Limit, p.Offset)
}

// HasNext reports whether another page exists after this one.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}
