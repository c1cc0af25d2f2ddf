package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdatePublicMetadata(t *testing.T) {
	var (
		gotPath   string
		gotMethod string
		gotAuth   string
		gotBody   map[string]map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIURL: srv.URL + "/", SecretKey: "sk_test_123"})
	err := c.UpdatePublicMetadata(context.Background(), "user_abc", map[string]any{"userId": "rec-1"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/v1/users/user_abc/metadata", gotPath)
	assert.Equal(t, "Bearer sk_test_123", gotAuth)
	assert.Equal(t, "rec-1", gotBody["public_metadata"]["userId"])
}

func TestUpdatePublicMetadata_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"code":"resource_not_found"}]}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{APIURL: srv.URL, SecretKey: "sk"})
	err := c.UpdatePublicMetadata(context.Background(), "user_missing", map[string]any{"userId": "x"})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "resource_not_found")
}

func TestUpdatePublicMetadata_RequiresSubject(t *testing.T) {
	c := NewClient(Config{SecretKey: "sk"})
	assert.Error(t, c.UpdatePublicMetadata(context.Background(), " ", nil))
}
