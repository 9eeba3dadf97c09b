package credential

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalIssuerSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/oauth2/Approval", r.URL.Path)

		raw, _ := io.ReadAll(r.Body)
		var body map[string]string
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "client_credentials", body["grant_type"])
		assert.Equal(t, "app-key", body["appkey"])
		assert.Equal(t, "app-secret", body["secretkey"])

		_, _ = w.Write([]byte(`{"approval_key":"a1b2c3d4-approval"}`))
	}))
	defer server.Close()

	token, err := NewApprovalIssuer(server.URL+"/", "app-key", "app-secret", server.Client()).Issue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4-approval", token)
}

func TestApprovalIssuerApplicationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rt_cd":"1","msg_cd":"EGW00002","msg1":"invalid appkey"}`))
	}))
	defer server.Close()

	_, err := NewApprovalIssuer(server.URL, "bad", "bad", server.Client()).Issue(context.Background())
	require.Error(t, err)

	var credErr *entity.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "1", credErr.Code)
	assert.Equal(t, "invalid appkey", credErr.Message)
}

func TestApprovalIssuerHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	_, err := NewApprovalIssuer(server.URL, "k", "s", server.Client()).Issue(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, entity.ErrCredential)
	assert.Contains(t, err.Error(), "500")
}

func TestApprovalIssuerEmptyKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := NewApprovalIssuer(server.URL, "k", "s", server.Client()).Issue(context.Background())
	assert.ErrorIs(t, err, entity.ErrCredential)
}

func TestAccessTokenIssuer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth2/tokenP", r.URL.Path)

		raw, _ := io.ReadAll(r.Body)
		var body map[string]string
		require.NoError(t, json.Unmarshal(raw, &body))
		if body["appsecret"] != "app-secret" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error_code":"EGW00103","error_description":"invalid appsecret"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"eyJ0eXAi.token","token_type":"Bearer","expires_in":86400}`))
	}))
	defer server.Close()

	token, err := NewAccessTokenIssuer(server.URL, "app-key", "app-secret", server.Client()).Issue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "eyJ0eXAi.token", token)

	_, err = NewAccessTokenIssuer(server.URL, "app-key", "wrong", server.Client()).Issue(context.Background())
	var credErr *entity.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "EGW00103", credErr.Code)
}
