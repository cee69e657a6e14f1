package tools

import "strconv"

// DefaultPageSize is the number of tools returned per tools/list page.
const DefaultPageSize = 10

// Page is one slice of a paginated listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// EncodeCursor renders a start offset as a cursor.
func EncodeCursor(offset int) string {
	return strconv.Itoa(offset)
}

// DecodeCursor parses a cursor. Anything that is not a non-negative decimal
// offset starts from the beginning.
func DecodeCursor(s string) int {
	offset, err := strconv.Atoi(s)
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// Paginate returns the page of items starting at cursor. Offsets past the end
// yield an empty page. NextCursor is set only when items remain.
func Paginate[T any](items []T, cursor string, limit int) Page[T] {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	start := DecodeCursor(cursor)
	if start > len(items) {
		start = len(items)
	}

	end := start + limit
	if end > len(items) {
		end = len(items)
	}

	page := Page[T]{Items: items[start:end]}
	if end < len(items) {
		page.NextCursor = EncodeCursor(end)
	}
	return page
}
