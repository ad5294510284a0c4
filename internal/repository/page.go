package repository

import (
	"context"
	"database/sql"
	"strings"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// PageRequest selects one page of a listing.  Page is 1-based.
type PageRequest struct {
	Page     int
	PageSize int
}

// Normalize applies the defaults and caps the page size.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	switch {
	case p.PageSize < 1:
		p.PageSize = DefaultPageSize
	case p.PageSize > MaxPageSize:
		p.PageSize = MaxPageSize
	}
	return p
}

func (p PageRequest) offset() int { return (p.Page - 1) * p.PageSize }

// Page is one page of a listing plus the size of the whole result.
type Page[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// pageQuery describes a filtered listing over one table.
type pageQuery struct {
	columns string
	table   string
	where   []string
	args    []any
	orderBy string
}

func (q pageQuery) cond() string {
	if len(q.where) == 0 {
		return "1=1"
	}
	return strings.Join(q.where, " AND ")
}

// queryPage runs the count and the LIMIT/OFFSET select for q and scans
// the rows with scan.
func queryPage[T any](ctx context.Context, db *sql.DB, q pageQuery, pr PageRequest, scan func(rowScanner) (T, error)) (Page[T], error) {
	pr = pr.Normalize()
	out := Page[T]{Items: []T{}, Page: pr.Page, PageSize: pr.PageSize}

	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+q.table+" WHERE "+q.cond(), q.args...).Scan(&out.Total); err != nil {
		return Page[T]{}, err
	}
	out.TotalPages = int((out.Total + int64(pr.PageSize) - 1) / int64(pr.PageSize))
	if out.Total == 0 || pr.offset() >= int(out.Total) {
		return out, nil
	}

	args := append(append([]any{}, q.args...), pr.PageSize, pr.offset())
	rows, err := db.QueryContext(ctx,
		"SELECT "+q.columns+" FROM "+q.table+" WHERE "+q.cond()+" ORDER BY "+q.orderBy+" LIMIT ? OFFSET ?",
		args...)
	if err != nil {
		return Page[T]{}, err
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return Page[T]{}, err
		}
		out.Items = append(out.Items, item)
	}
	return out, rows.Err()
}
