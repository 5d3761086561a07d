// Package pagination implements opaque cursor tokens for list endpoints.
package pagination

import (
	"encoding/base64"
	"encoding/json"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Limit clamps the requested page size to sane bounds.
func (p Pagination) Limit() int {
	if p.PageSize < 1 {
		return defaultPageSize
	}
	if p.PageSize > maxPageSize {
		return maxPageSize
	}
	return p.PageSize
}

// Cursor marks the last entry of the previous page. Entries are listed newest
// first, so the next page holds ids strictly below the cursor.
type Cursor struct {
	ID string `json:"id,omitempty"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

func EncodeCursor(c Cursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeCursor(token string) (*Cursor, error) {
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// BuildPage trims an over-fetched result set (limit+1 rows) down to the page
// and derives the next-page token from its last entry.
func BuildPage[T any](items []*T, limit int, cursor func(*T) string) ([]*T, *PageInfo) {
	if len(items) <= limit {
		return items, &PageInfo{}
	}
	items = items[:limit]
	return items, &PageInfo{
		HasMore:       true,
		NextPageToken: cursor(items[len(items)-1]),
	}
}
