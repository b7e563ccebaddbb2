package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithError(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable} {
		w := httptest.NewRecorder()
		RespondWithError(w, code, "dead letter not found")

		assert.Equal(t, code, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "dead letter not found", resp.Error)
		assert.Equal(t, code, resp.Code)
	}
}

func TestRespondWithJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, RespondWithJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "pending": 3}))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"status":"queued","pending":3}`, w.Body.String())
}

func TestRespondWithJSON_Unencodable(t *testing.T) {
	w := httptest.NewRecorder()
	err := RespondWithJSON(w, http.StatusOK, map[string]any{"f": func() {}})
	assert.Error(t, err)
}
