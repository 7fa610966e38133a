// Package pagination reads list paging from query strings and shapes paged
// JSON responses.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a resolved page window.
type Params struct {
	Limit  int
	Offset int
}

// FromContext accepts either page/per_page (1-based pages, as the dashboard
// links use) or limit/offset. page wins when both are present.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("per_page"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("limit"))
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	var offset int
	if page, _ := strconv.Atoi(c.QueryParam("page")); page > 0 {
		offset = (page - 1) * limit
	} else {
		offset, _ = strconv.Atoi(c.QueryParam("offset"))
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Page is the 1-based page number containing Offset.
func (p Params) Page() int {
	return p.Offset/p.Limit + 1
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// Response wraps a paginated API response.
type Response struct {
	Data    any  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Page    int  `json:"page"`
	Pages   int  `json:"pages"`
	HasMore bool `json:"has_more"`
}

func NewResponse(data any, total, limit, offset int) *Response {
	p := Params{Limit: limit, Offset: offset}
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		Page:    p.Page(),
		Pages:   pages,
		HasMore: p.HasNext(total),
	}
}
