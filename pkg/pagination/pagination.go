// Package pagination reads limit/skip query parameters and wraps paged
// query results with navigation links.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Params holds the page window requested by a caller.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and skip (or offset) from the query string,
// clamping limit to [1, MaxLimit].
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	raw := c.QueryParam("skip")
	if raw == "" {
		raw = c.QueryParam("offset")
	}
	offset, _ := strconv.Atoi(raw)
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// Response wraps one page of a per-tenant query.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   Links       `json:"links"`
}

// Links point at the neighbouring pages. Empty when there is none.
type Links struct {
	Self string `json:"self"`
	Next string `json:"next,omitempty"`
	Prev string `json:"prev,omitempty"`
}

func NewResponse(data interface{}, total int, p Params, u *url.URL) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
		Links:   p.Links(u, total),
	}
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset never goes below zero.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// Links builds page URLs from u, keeping every filter parameter and
// replacing the window.
func (p Params) Links(u *url.URL, total int) Links {
	if u == nil {
		return Links{}
	}
	links := Links{Self: p.withWindow(u, p.Offset)}
	if p.HasNext(total) {
		links.Next = p.withWindow(u, p.NextOffset())
	}
	if p.HasPrevious() {
		links.Prev = p.withWindow(u, p.PreviousOffset())
	}
	return links
}

func (p Params) withWindow(u *url.URL, offset int) string {
	q := u.Query()
	q.Del("offset")
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("skip", strconv.Itoa(offset))
	out := url.URL{Path: u.Path, RawQuery: q.Encode()}
	return out.String()
}
