// Package utils provides small, generic helpers shared by the HTTP layer and
// the CLI. They carry no domain logic.
package utils

import "strconv"

// Page is a 1-based page request with a bounded size.
type Page struct {
	Number int
	Size   int
}

// ParsePage reads page and size from raw query values. Missing or invalid
// values fall back to page 1 and defSize; the size is kept in [1, maxSize].
//
//	utils.ParsePage("3", "", 20, 100)   // {3 20}
//	utils.ParsePage("-1", "500", 20, 100) // {1 100}
func ParsePage(page, size string, defSize, maxSize int) Page {
	p := Page{Number: AtoiDefault(page, 1), Size: AtoiDefault(size, defSize)}
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = 1
	}
	if maxSize > 0 && p.Size > maxSize {
		p.Size = maxSize
	}
	return p
}

// Offset is the number of rows before the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// TotalPages is the number of pages of size needed for total rows.
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}

// AtoiDefault converts s with strconv.Atoi, returning def when s is empty
// or not an integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
