package pdftext

import (
	"fmt"
	"net/url"
	"strings"
)

// ViewerTarget addresses a location inside the external PDF viewer.
type ViewerTarget struct {
	BaseURL string
	Page    int
	Search  string
	Zoom    string
}

// Fragment renders the viewer URL fragment:
// #page=N&search=<encoded>&view=FitH[&zoom=<z>].
func (t ViewerTarget) Fragment() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#page=%d", t.Page)
	if t.Search != "" {
		b.WriteString("&search=" + url.QueryEscape(t.Search))
	}
	b.WriteString("&view=FitH")
	if t.Zoom != "" {
		b.WriteString("&zoom=" + url.QueryEscape(t.Zoom))
	}
	return b.String()
}

// URL is the full viewer address.
func (t ViewerTarget) URL() string {
	return t.BaseURL + t.Fragment()
}

// ShouldNavigate reports whether moving from current to next actually
// changes the page, search, or base URL. Re-navigating without a change
// reloads the viewer for nothing.
func ShouldNavigate(current, next ViewerTarget) bool {
	return current.BaseURL != next.BaseURL ||
		current.Page != next.Page ||
		current.Search != next.Search
}
