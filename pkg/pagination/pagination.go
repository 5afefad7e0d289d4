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

// Params holds pagination parameters extracted from a request. Page is
// 1-based; Limit and Offset are always derived so repositories only deal
// with one form.
type Params struct {
	Page   int
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context.
// page/page_size take precedence over limit/offset.
func FromContext(c echo.Context) Params {
	return FromContextWithDefault(c, DefaultLimit)
}

// FromContextWithDefault is FromContext with a caller-chosen page size.
func FromContextWithDefault(c echo.Context, defaultLimit int) Params {
	if defaultLimit <= 0 || defaultLimit > MaxLimit {
		defaultLimit = DefaultLimit
	}

	limit, _ := strconv.Atoi(c.QueryParam("page_size"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("limit"))
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	if page, _ := strconv.Atoi(c.QueryParam("page")); page > 0 {
		return Params{Page: page, Limit: limit, Offset: (page - 1) * limit}
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Page: offset/limit + 1, Limit: limit, Offset: offset}
}

// ForPage builds Params for a 1-based page number.
func ForPage(page, size int) Params {
	if size <= 0 {
		size = DefaultLimit
	}
	if size > MaxLimit {
		size = MaxLimit
	}
	if page <= 0 {
		page = 1
	}
	return Params{Page: page, Limit: size, Offset: (page - 1) * size}
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Page:    p.Page,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// Link is a navigation entry for a paginated listing.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Links generates self/next/previous links. extra is appended verbatim to
// every URL and should already be query-escaped ("q=foo").
func (p Params) Links(basePath, extra string, total int) []Link {
	url := func(page int) string {
		u := fmt.Sprintf("%s?page=%d&page_size=%d", basePath, page, p.Limit)
		if extra != "" {
			u += "&" + extra
		}
		return u
	}

	links := []Link{{Relation: "self", URL: url(p.Page)}}
	if p.HasNext(total) {
		links = append(links, Link{Relation: "next", URL: url(p.Page + 1)})
	}
	if p.HasPrevious() && p.Page > 1 {
		links = append(links, Link{Relation: "previous", URL: url(p.Page - 1)})
	}
	return links
}
