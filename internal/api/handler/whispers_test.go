package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/nightjarhq/murmur/internal/api/handler"
	mw "github.com/nightjarhq/murmur/internal/api/middleware"
	"github.com/nightjarhq/murmur/internal/store"
	"github.com/nightjarhq/murmur/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWhisperStore struct {
	gotFilter store.WhisperFilter
	whispers  []*models.Whisper
	total     int
	err       error
}

func (m *mockWhisperStore) ListWhispers(_ context.Context, filter store.WhisperFilter) ([]*models.Whisper, int, error) {
	m.gotFilter = filter
	return m.whispers, m.total, m.err
}

func listRequest(target string, tenantID uuid.UUID) *http.Request {
	req := httptest.NewRequest("GET", target, nil)
	return req.WithContext(mw.SetTenantID(req.Context(), tenantID))
}

func TestListWhispers_Defaults(t *testing.T) {
	tenantID := uuid.New()
	st := &mockWhisperStore{
		whispers: []*models.Whisper{{ID: uuid.New(), TenantID: tenantID, Title: "t"}},
		total:    1,
	}
	h := handler.NewListWhispersHandler(st)

	w := httptest.NewRecorder()
	h(w, listRequest("/api/v1/whispers", tenantID))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tenantID, st.gotFilter.TenantID)
	assert.Equal(t, 1, st.gotFilter.Page)
	assert.Equal(t, 20, st.gotFilter.Limit)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	meta := resp["meta"].(map[string]any)
	assert.Equal(t, float64(1), meta["total"])
	assert.Equal(t, false, meta["has_next"])
}

func TestListWhispers_FilterAndPagination(t *testing.T) {
	st := &mockWhisperStore{total: 120}
	h := handler.NewListWhispersHandler(st)

	w := httptest.NewRecorder()
	h(w, listRequest("/api/v1/whispers?status=delivered&category=development&page=2&limit=50", uuid.New()))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.WhisperStatusDelivered, st.gotFilter.Status)
	assert.Equal(t, "development", st.gotFilter.Category)
	assert.Equal(t, 2, st.gotFilter.Page)
	assert.Equal(t, 50, st.gotFilter.Limit)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	meta := resp["meta"].(map[string]any)
	assert.Equal(t, true, meta["has_next"])
}

func TestListWhispers_LimitCapped(t *testing.T) {
	st := &mockWhisperStore{}
	h := handler.NewListWhispersHandler(st)

	w := httptest.NewRecorder()
	h(w, listRequest("/api/v1/whispers?limit=1000", uuid.New()))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, st.gotFilter.Limit)
}

func TestListWhispers_InvalidStatus(t *testing.T) {
	h := handler.NewListWhispersHandler(&mockWhisperStore{})

	w := httptest.NewRecorder()
	h(w, listRequest("/api/v1/whispers?status=archived", uuid.New()))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListWhispers_InvalidSince(t *testing.T) {
	h := handler.NewListWhispersHandler(&mockWhisperStore{})

	w := httptest.NewRecorder()
	h(w, listRequest("/api/v1/whispers?since=lastweek", uuid.New()))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListWhispers_EmptyResultIsArray(t *testing.T) {
	h := handler.NewListWhispersHandler(&mockWhisperStore{})

	w := httptest.NewRecorder()
	h(w, listRequest("/api/v1/whispers", uuid.New()))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
}
