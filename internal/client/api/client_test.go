package api

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/y804508275/happy-sub000/internal/wire"
)

func TestAuthenticateSignsChallengeAndStoresToken(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	challenge := []byte("prove-it")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/challenge":
			json.NewEncoder(w).Encode(map[string]string{
				"challengeId": "ch-1",
				"challenge":   base64.StdEncoding.EncodeToString(challenge),
			})
		case "/v1/auth":
			var req struct {
				PublicKey   string `json:"publicKey"`
				ChallengeID string `json:"challengeId"`
				Signature   string `json:"signature"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, "ch-1", req.ChallengeID)

			sig, err := base64.StdEncoding.DecodeString(req.Signature)
			require.NoError(t, err)
			require.True(t, ed25519.Verify(publicKey, challenge, sig))

			json.NewEncoder(w).Encode(map[string]string{"token": "jwt-1", "accountId": "acc-1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := New(srv.URL)
	accountID, err := client.Authenticate(context.Background(), publicKey, privateKey)
	require.NoError(t, err)
	require.Equal(t, "acc-1", accountID)
	require.Equal(t, "jwt-1", client.Token())
}

func TestUpdateSettingsVersionMismatch(t *testing.T) {
	authoritative := "server-value"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/account/settings", r.URL.Path)
		require.Equal(t, "Bearer jwt-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(wire.VersionedUpdateResponse{
			Result:  wire.UpdateResultVersionMismatch,
			Version: 5,
			Value:   &authoritative,
		})
	}))
	defer srv.Close()

	client := New(srv.URL)
	client.SetToken("jwt-1")

	_, err := client.UpdateSettings(context.Background(), "local-value", 3)

	var mismatch *VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.EqualValues(t, 5, mismatch.Version)
	require.Equal(t, "server-value", mismatch.Value)
}

func TestUpdateSettingsSuccessReturnsNewVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wire.VersionedUpdateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.EqualValues(t, 3, req.ExpectedVersion)
		json.NewEncoder(w).Encode(wire.VersionedUpdateResponse{
			Result:  wire.UpdateResultSuccess,
			Version: 4,
		})
	}))
	defer srv.Close()

	client := New(srv.URL)
	version, err := client.UpdateSettings(context.Background(), "value", 3)
	require.NoError(t, err)
	require.EqualValues(t, 4, version)
}

func TestErrorResponseSurfacesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(wire.ErrorResponse{Error: "session not found"})
	}))
	defer srv.Close()

	client := New(srv.URL)
	_, err := client.ListSessions(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "session not found")
	require.Contains(t, err.Error(), "403")
}

func TestSubmitMessageBatchRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sessions/s1/messages/batch", r.URL.Path)
		var req wire.SubmitBatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)

		json.NewEncoder(w).Encode(wire.SubmitBatchResponse{
			Results: []wire.SubmitBatchResult{{LocalID: req.Messages[0].LocalID, ID: "srv-1", Seq: 7}},
			LastSeq: 7,
		})
	}))
	defer srv.Close()

	client := New(srv.URL)
	resp, err := client.SubmitMessageBatch(context.Background(), "s1", []wire.OutboxEntry{{LocalID: "l1"}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "l1", resp.Results[0].LocalID)
	require.EqualValues(t, 7, resp.LastSeq)
}

func TestFetchMessagesPassesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sessions/s1/messages", r.URL.Path)
		require.Equal(t, "42", r.URL.Query().Get("afterSeq"))
		require.Equal(t, "100", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(wire.FetchMessagesResponse{HasMore: false})
	}))
	defer srv.Close()

	client := New(srv.URL)
	resp, err := client.FetchMessagesAfter(context.Background(), "s1", 42, 100)
	require.NoError(t, err)
	require.False(t, resp.HasMore)
}

func TestContextCancellationAborts(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	client := New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ListSessions(ctx, false)
	require.True(t, errors.Is(err, context.Canceled))
}
