package pagination

import "fmt"

// MaxPageSize is the largest page requested from the platform.
const MaxPageSize = 500

// sizeSteps maps member count thresholds (exclusive) to page sizes.
var sizeSteps = []struct {
	below int
	size  int
}{
	{200, 50},
	{600, 100},
	{800, 150},
	{1000, 200},
}

// PageSize returns the page size for a segment of total members.
func PageSize(total int) int {
	for _, s := range sizeSteps {
		if total < s.below {
			return s.size
		}
	}
	return MaxPageSize
}

// Page is one slice of a segment.
type Page struct {
	// Number is 1-based.
	Number int
	Offset int
	Count  int
}

func (p Page) String() string {
	return fmt.Sprintf("page %d (offset %d, count %d)", p.Number, p.Offset, p.Count)
}

// Pages splits total members into pages of size, starting at offset 0.
func Pages(total, size int) []Page {
	return PagesFrom(total, size, 0, 1)
}

// PagesFrom splits the members from offset on into pages of size, numbering
// the first page first. It allows resuming an export part-way through.
func PagesFrom(total, size, offset, first int) []Page {
	if size <= 0 || total <= 0 || offset >= total {
		return nil
	}
	if offset < 0 {
		offset = 0
	}
	if first < 1 {
		first = 1
	}

	pages := make([]Page, 0, PageCount(total-offset, size))
	for n := first; offset < total; n++ {
		count := size
		if rest := total - offset; rest < count {
			count = rest
		}
		pages = append(pages, Page{Number: n, Offset: offset, Count: count})
		offset += size
	}
	return pages
}

// PageCount returns how many pages of size hold total members.
func PageCount(total, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return (total + size - 1) / size
}
