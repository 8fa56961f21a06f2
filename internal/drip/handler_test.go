package drip

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahueldlsl/financial-os/internal/model"
	"github.com/nahueldlsl/financial-os/internal/position"
	"github.com/nahueldlsl/financial-os/internal/store"
)

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) ListPositions(context.Context) ([]model.Position, error) {
	return nil, errors.New("connection reset")
}

func TestHandler_Run(t *testing.T) {
	s := store.NewMemoryStore()
	eng := position.NewEngine(position.Fold{})
	seed(t, s, eng, "VOO", "10", 40000, date("2024-03-25"))

	h := NewHandler(newProcessor(s, eng, &fakeMarket{}))
	w := httptest.NewRecorder()
	h.Run(w, httptest.NewRequest(http.MethodPost, "/api/drip/run", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var res RunResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "VOO", res.Outcomes[0].Ticker)
	assert.Equal(t, StatusUpToDate, res.Outcomes[0].Status)
}

func TestHandler_RunStoreFailure(t *testing.T) {
	h := NewHandler(newProcessor(brokenStore{store.NewMemoryStore()}, position.NewEngine(position.Fold{}), &fakeMarket{}))
	w := httptest.NewRecorder()
	h.Run(w, httptest.NewRequest(http.MethodPost, "/api/drip/run", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "drip run failed")
}
