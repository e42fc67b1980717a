package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *Service) {
	t.Helper()
	svc := NewService(&memRepo{})
	svc.now = fixedClock(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	return NewHandler(svc), svc
}

func TestHandler_ListEntries(t *testing.T) {
	h, svc := newTestHandler(t)
	acct := uuid.New()
	_, err := svc.Post(context.Background(), Event{Type: EventItemPosted, Amount: decimal.NewFromInt(100), BillingAccountID: acct})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/?billing_account_id="+acct.String(), nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.ListEntries(echo.New().NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data  []Entry `json:"data"`
		Total int     `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.True(t, body.Data[0].Debit.Equal(decimal.NewFromInt(100)))
}

func TestHandler_ListEntries_MissingAccount(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	err := h.ListEntries(echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestHandler_Summary(t *testing.T) {
	h, svc := newTestHandler(t)
	_, err := svc.Post(context.Background(), Event{Type: EventClaimSettled, Amount: decimal.NewFromInt(4500), BillingAccountID: uuid.New()})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/?from=2026-03-01&to=2026-03-31", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Summary(echo.New().NewContext(req, rec)))

	var sum Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.True(t, sum.Balanced)
	assert.Len(t, sum.Heads, 2)
}

func TestHandler_Summary_BadDates(t *testing.T) {
	h, _ := newTestHandler(t)
	for _, q := range []string{"?from=03-01-2026", "?to=yesterday", "?from=2026-03-31&to=2026-03-01"} {
		rec := httptest.NewRecorder()
		err := h.Summary(echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/"+q, nil), rec))
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok, q)
		assert.Equal(t, http.StatusBadRequest, he.Code, q)
	}
}
