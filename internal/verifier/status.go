package verifier

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// statusSelectors are tried in order against the order page. The platform
// has changed its markup before; keeping the fallbacks cheap beats pinning a
// single selector.
var statusSelectors = []string{
	"[data-task-status]",
	".task-status",
	".order-status .value",
	"#orderStatus",
}

// ReadStatusFromHTML extracts the order's status indicator from a rendered
// page.
func ReadStatusFromHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("unparseable order page: %w", err)
	}

	for _, sel := range statusSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if v, ok := node.Attr("data-task-status"); ok && v != "" {
			return strings.TrimSpace(v), nil
		}
		if text := strings.TrimSpace(node.Text()); text != "" {
			return text, nil
		}
	}
	return "", fmt.Errorf("unable to read status")
}
