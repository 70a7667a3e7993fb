package failure

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
)

func TestClassifyPinnedPatterns(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want Class
	}{
		{name: "playwright closed target", err: errors.New("Target page, context or browser has been closed"), want: SessionLostClass},
		{name: "wrapped closed target", err: fmt.Errorf("click failed: %w", errors.New("locator.click: Target page, context or browser has been closed")), want: SessionLostClass},
		{name: "target closed", err: errors.New("Protocol error (Page.navigate): Target closed."), want: SessionLostClass},
		{name: "browser closed", err: errors.New("Browser has been closed"), want: SessionLostClass},
		{name: "browser disconnected", err: errors.New("browser has disconnected"), want: SessionLostClass},
		{name: "driver gone", err: errors.New("playwright connection closed"), want: SessionLostClass},
		{name: "connection closed", err: errors.New("Connection closed: reason unknown"), want: SessionLostClass},
		{name: "session closed", err: errors.New("Session closed. Most likely the page has been closed."), want: SessionLostClass},
		{name: "websocket close", err: errors.New("websocket: close 1006 (abnormal closure)"), want: SessionLostClass},
		{name: "broken pipe", err: errors.New("write |1: broken pipe"), want: SessionLostClass},
		{name: "typed sentinel", err: fmt.Errorf("goto: %w", playwright.ErrTargetClosed), want: SessionLostClass},
		{name: "typed session lost", err: SessionLost(errors.New("gone")), want: SessionLostClass},
		{name: "not found", err: NotFound("#go"), want: Other},
		{name: "timeout", err: Timeout("#q", errors.New("Timeout 10000ms exceeded")), want: Other},
		{name: "plain engine error", err: errors.New("net::ERR_NAME_NOT_RESOLVED"), want: Other},
		{name: "validation never recovers", err: Validation("navigate", "url is required"), want: Other},
		{name: "closed manager never recovers", err: ErrClosed, want: Other},
		{name: "nil", err: nil, want: Other},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestErrorMessagesAndKinds(t *testing.T) {
	t.Parallel()

	err := NotFound("#go")
	assert.Equal(t, "Element not found: #go", err.Error())
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("click: %w", err)))
	assert.Equal(t, KindEngine, KindOf(errors.New("anything")))

	cause := errors.New("boom")
	wrapped := Engine("screenshot", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "screenshot failed: boom", wrapped.Error())
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(KindTimeout))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindClosed))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindNavigation))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindSessionLost))
}
