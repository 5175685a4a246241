package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wordflow/autopilot/internal/entity"
)

// pageSession serves canned HTML per URL.
type pageSession struct {
	pages   map[string]string
	visited []string
}

func (s *pageSession) Slot() int                       { return 1 }
func (s *pageSession) Connected() bool                 { return true }
func (s *pageSession) Close(ctx context.Context) error { return nil }
func (s *pageSession) Kill()                           {}

func (s *pageSession) NavigateHTML(ctx context.Context, url string) (string, error) {
	s.visited = append(s.visited, url)
	html, ok := s.pages[url]
	if !ok {
		return "", errors.New("HTTP 404")
	}
	return html, nil
}

const orderURL = "https://platform.example/linguist/orders/42"

func TestAccept_HappyPath(t *testing.T) {
	sess := &pageSession{pages: map[string]string{
		orderURL: `<html><body>
			<span class="task-status">New</span>
			<a class="accept-task" href="/linguist/orders/42/accept">Accept</a>
		</body></html>`,
		"https://platform.example/linguist/orders/42/accept": `<html><body>
			<span class="task-status">Accepted</span>
		</body></html>`,
	}}

	result, err := Accept(context.Background(), sess, orderURL)
	require.NoError(t, err)

	accepted := result.(*AcceptResult)
	assert.True(t, accepted.Confirmed)
	assert.Equal(t, "Accepted", accepted.OrderStatus)
	assert.Len(t, sess.visited, 2)
}

func TestAccept_AlreadyAccepted(t *testing.T) {
	sess := &pageSession{pages: map[string]string{
		orderURL: `<html><body><span class="task-status">In Progress</span></body></html>`,
	}}

	result, err := Accept(context.Background(), sess, orderURL)
	require.NoError(t, err)
	assert.True(t, result.(*AcceptResult).Confirmed)
	assert.Len(t, sess.visited, 1, "no confirmation step needed")
}

func TestAccept_LoginPage(t *testing.T) {
	sess := &pageSession{pages: map[string]string{
		orderURL: `<html><body><form id="login"><input name="password"/></form></body></html>`,
	}}

	_, err := Accept(context.Background(), sess, orderURL)
	assert.ErrorIs(t, err, entity.ErrLoginExpired)
}

func TestAccept_OnHold(t *testing.T) {
	sess := &pageSession{pages: map[string]string{
		orderURL: `<html><body><span class="task-status">On Hold</span></body></html>`,
	}}

	_, err := Accept(context.Background(), sess, orderURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on hold")
}

func TestAccept_UnreadableStatus(t *testing.T) {
	sess := &pageSession{pages: map[string]string{
		orderURL: `<html><body><p>nothing here</p></body></html>`,
	}}

	_, err := Accept(context.Background(), sess, orderURL)
	require.Error(t, err)

	var auto *entity.BrowserAutomationError
	require.ErrorAs(t, err, &auto)
	assert.Equal(t, "read-status", auto.Step)
}

func TestAccept_NavigationFailureTagsOpenStep(t *testing.T) {
	sess := &pageSession{pages: map[string]string{}}

	_, err := Accept(context.Background(), sess, orderURL)
	require.Error(t, err)

	var auto *entity.BrowserAutomationError
	require.ErrorAs(t, err, &auto)
	assert.Equal(t, "open-order", auto.Step)
}

func TestAccept_ConfirmationDidNotStick(t *testing.T) {
	sess := &pageSession{pages: map[string]string{
		orderURL: `<html><body>
			<span class="task-status">New</span>
			<a class="accept-task" href="/linguist/orders/42/accept">Accept</a>
		</body></html>`,
		"https://platform.example/linguist/orders/42/accept": `<html><body>
			<span class="task-status">New</span>
		</body></html>`,
	}}

	_, err := Accept(context.Background(), sess, orderURL)
	require.Error(t, err)

	var auto *entity.BrowserAutomationError
	require.ErrorAs(t, err, &auto)
	assert.Equal(t, "verify-accept", auto.Step)
}
