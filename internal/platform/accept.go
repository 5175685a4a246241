// Package platform drives the translation platform's order pages through a
// browser session: reading order state and walking the multi-step
// acceptance workflow.
package platform

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/wordflow/autopilot/internal/browser"
	"github.com/wordflow/autopilot/internal/entity"
)

// AcceptResult is what the workflow learned about the order.
type AcceptResult struct {
	OrderStatus string `json:"orderStatus"`
	Confirmed   bool   `json:"confirmed"`
}

// Accept walks the acceptance workflow for the order at url. The flow is
// deliberately conservative: every step re-reads the page and bails out with
// a step-tagged error the coordinator can classify.
func Accept(ctx context.Context, sess browser.Session, url string) (interface{}, error) {
	html, err := sess.NavigateHTML(ctx, url)
	if err != nil {
		return nil, &entity.BrowserAutomationError{Step: "open-order", Context: url, Err: err}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &entity.BrowserAutomationError{Step: "open-order", Context: url, Err: err}
	}

	if isLoginPage(doc) {
		return nil, entity.ErrLoginExpired
	}

	status := readStatus(doc)
	switch strings.ToLower(status) {
	case "":
		return nil, &entity.BrowserAutomationError{Step: "read-status", Context: url, Err: fmt.Errorf("unable to read status")}
	case "on hold", "on_hold":
		return nil, &entity.BrowserAutomationError{Step: "read-status", Context: url, Err: fmt.Errorf("order is on hold")}
	case "accepted", "in progress":
		// Someone (or a previous run) already accepted; treat as done.
		return &AcceptResult{OrderStatus: status, Confirmed: true}, nil
	}

	confirmURL, ok := acceptActionURL(doc, url)
	if !ok {
		return nil, &entity.BrowserAutomationError{Step: "find-accept", Context: url, Err: fmt.Errorf("no accept action on page (status %q)", status)}
	}

	confirmed, err := sess.NavigateHTML(ctx, confirmURL)
	if err != nil {
		return nil, &entity.BrowserAutomationError{Step: "confirm", Context: confirmURL, Err: err}
	}
	confirmDoc, err := goquery.NewDocumentFromReader(strings.NewReader(confirmed))
	if err != nil {
		return nil, &entity.BrowserAutomationError{Step: "confirm", Context: confirmURL, Err: err}
	}

	final := readStatus(confirmDoc)
	if !isAccepted(final) {
		return nil, &entity.BrowserAutomationError{Step: "verify-accept", Context: url, Err: fmt.Errorf("status %q after confirmation", final)}
	}
	return &AcceptResult{OrderStatus: final, Confirmed: true}, nil
}

func isLoginPage(doc *goquery.Document) bool {
	return doc.Find("form#login, form[action*='login'], input[name='password']").Length() > 0
}

var statusSelectors = []string{"[data-task-status]", ".task-status", ".order-status .value", "#orderStatus"}

func readStatus(doc *goquery.Document) string {
	for _, sel := range statusSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if v, ok := node.Attr("data-task-status"); ok && v != "" {
			return strings.TrimSpace(v)
		}
		if text := strings.TrimSpace(node.Text()); text != "" {
			return text
		}
	}
	return ""
}

func isAccepted(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return s == "accepted" || s == "in progress"
}

// acceptActionURL finds the accept link or form target on the order page.
func acceptActionURL(doc *goquery.Document, pageURL string) (string, bool) {
	if href, ok := doc.Find("a.accept-task, a[data-action='accept']").First().Attr("href"); ok {
		return absolutize(pageURL, href), true
	}
	if action, ok := doc.Find("form.accept-form, form[data-action='accept']").First().Attr("action"); ok {
		return absolutize(pageURL, action), true
	}
	return "", false
}

func absolutize(pageURL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	i := strings.Index(pageURL, "//")
	if i < 0 {
		return href
	}
	j := strings.Index(pageURL[i+2:], "/")
	if j < 0 {
		return pageURL + href
	}
	base := pageURL[:i+2+j]
	if strings.HasPrefix(href, "/") {
		return base + href
	}
	return base + "/" + href
}
