package pdf

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// PageBound limits how many trailing pages the shadow attack check compares
type PageBound int

// AllPages checks every page
const AllPages PageBound = -1

// ParsePageBound reads a page count or "all". Empty input is AllPages.
func ParsePageBound(s string) (PageBound, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return AllPages, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid page bound %q", s)
	}
	return PageBound(n), nil
}

// Effective combines a configured maximum with a requested bound. An
// AllPages maximum checks every page; a numeric maximum caps the request.
func Effective(max, requested PageBound) PageBound {
	switch {
	case max == AllPages:
		return AllPages
	case requested == AllPages:
		return max
	case requested < max:
		return requested
	}
	return max
}

// Pages resolves the bound against a document of n pages
func (b PageBound) Pages(n int) int {
	if b == AllPages || int(b) > n {
		return n
	}
	return int(b)
}

func (b PageBound) String() string {
	if b == AllPages {
		return "all"
	}
	return strconv.Itoa(int(b))
}

// ShadowDiff describes how a later revision changed a signed one
type ShadowDiff struct {
	PageCountChanged bool
	Pages            []int
}

// Changed reports whether any difference was found
func (d ShadowDiff) Changed() bool {
	return d.PageCountChanged || len(d.Pages) > 0
}

func (d ShadowDiff) String() string {
	if d.PageCountChanged {
		return "page count changed after signing"
	}
	parts := make([]string, len(d.Pages))
	for i, p := range d.Pages {
		parts[i] = strconv.Itoa(p)
	}
	return "pages changed after signing: " + strings.Join(parts, ", ")
}

// CompareRevisions compares the last pages of the signed revision with
// the final document: content streams and non-signature annotations
func CompareRevisions(signed, final *Document, bound PageBound) (ShadowDiff, error) {
	var diff ShadowDiff
	n := final.PageCount()
	if signed.PageCount() != n {
		diff.PageCountChanged = true
		return diff, nil
	}

	for p := n - bound.Pages(n) + 1; p <= n; p++ {
		before, err := signed.PageContent(p)
		if err != nil {
			return diff, fmt.Errorf("signed revision page %d: %w", p, err)
		}
		after, err := final.PageContent(p)
		if err != nil {
			return diff, fmt.Errorf("final revision page %d: %w", p, err)
		}
		annotsBefore, err := signed.PageAnnotations(p)
		if err != nil {
			return diff, err
		}
		annotsAfter, err := final.PageAnnotations(p)
		if err != nil {
			return diff, err
		}
		if !bytes.Equal(before, after) || annotsBefore != annotsAfter {
			diff.Pages = append(diff.Pages, p)
		}
	}
	return diff, nil
}
