// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	delta     *DeltaResponse
	deltaErr  error
	lastSince *time.Time
	lastUser  string

	push       *PushResponse
	pushErr    error
	lastSource string
	lastReq    *PushRequest
}

func (s *stubBackend) ProcessDelta(ctx context.Context, userID string, since *time.Time) (*DeltaResponse, error) {
	s.lastUser, s.lastSince = userID, since
	return s.delta, s.deltaErr
}

func (s *stubBackend) ProcessPush(ctx context.Context, userID, sourceID string, req *PushRequest) (*PushResponse, error) {
	s.lastUser, s.lastSource, s.lastReq = userID, sourceID, req
	return s.push, s.pushErr
}

func newTestServer(t *testing.T, backend *stubBackend) (*httptest.Server, string) {
	t.Helper()
	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken("user-1", "device-a", time.Hour)
	require.NoError(t, err)

	h := NewHTTPSyncHandlers(backend, auth, "prism-sync",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, token
}

func doRequest(t *testing.T, method, rawURL, token string, body []byte) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, rawURL, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDeltaRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubBackend{})

	resp := doRequest(t, http.MethodGet, srv.URL+"/sync-delta", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "authentication_failed", body.Error)
}

func TestDeltaPassesSinceToBackend(t *testing.T) {
	backend := &stubBackend{delta: &DeltaResponse{
		ServerTime: time.Now().UTC(),
		Contacts:   []ContactRecord{},
		Groups:     []GroupRecord{},
	}}
	srv, token := newTestServer(t, backend)

	since := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	u := srv.URL + "/sync-delta?since=" + url.QueryEscape(since.Format(time.RFC3339Nano))
	resp := doRequest(t, http.MethodGet, u, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "user-1", backend.lastUser)
	require.NotNil(t, backend.lastSince)
	require.True(t, backend.lastSince.Equal(since))

	var delta DeltaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&delta))
	require.NotNil(t, delta.Contacts)
	require.NotNil(t, delta.Groups)
}

func TestDeltaWithoutSinceIsFullSnapshot(t *testing.T) {
	backend := &stubBackend{delta: &DeltaResponse{ServerTime: time.Now().UTC()}}
	srv, token := newTestServer(t, backend)

	resp := doRequest(t, http.MethodGet, srv.URL+"/sync-delta", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, backend.lastSince)
}

func TestDeltaRejectsMalformedSince(t *testing.T) {
	srv, token := newTestServer(t, &stubBackend{})

	resp := doRequest(t, http.MethodGet, srv.URL+"/sync-delta?since=yesterday", token, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "invalid_since", body.Error)
}

func TestPushHappyPath(t *testing.T) {
	newVersion := int64(1)
	backend := &stubBackend{push: &PushResponse{Results: []PushResult{
		{ChangeID: 7, Entity: EntityContacts, EntityID: "id-1", Status: StApplied, NewVersion: &newVersion},
	}}}
	srv, token := newTestServer(t, backend)

	payload, err := json.Marshal(PushRequest{
		Batch: []PushChange{{
			ChangeID:   7,
			Entity:     EntityContacts,
			EntityID:   "id-1",
			Op:         OpInsert,
			Payload:    json.RawMessage(`{"id":"id-1","firstName":"Sara","version":1}`),
			ClientTime: time.Now().UTC(),
		}},
		ClientTime: time.Now().UTC(),
	})
	require.NoError(t, err)

	resp := doRequest(t, http.MethodPost, srv.URL+"/sync-push", token, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "user-1", backend.lastUser)
	require.Equal(t, "device-a", backend.lastSource)
	require.Len(t, backend.lastReq.Batch, 1)

	var out PushResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Results, 1)
	require.Equal(t, StApplied, out.Results[0].Status)
	require.EqualValues(t, 7, out.Results[0].ChangeID)
}

func TestPushValidationFailures(t *testing.T) {
	backend := &stubBackend{}
	srv, token := newTestServer(t, backend)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"batch": [`},
		{"empty batch", `{"batch": [], "clientTime": "2025-06-01T00:00:00Z"}`},
		{"bad entity", `{"batch": [{"entity": "notes", "entityId": "x", "op": "insert",
			"payload": {}, "clientTime": "2025-06-01T00:00:00Z"}], "clientTime": "2025-06-01T00:00:00Z"}`},
		{"bad op", `{"batch": [{"entity": "contacts", "entityId": "x", "op": "upsert",
			"payload": {}, "clientTime": "2025-06-01T00:00:00Z"}], "clientTime": "2025-06-01T00:00:00Z"}`},
		{"missing changeId", `{"batch": [{"entity": "contacts", "entityId": "x", "op": "insert",
			"payload": {}, "clientTime": "2025-06-01T00:00:00Z"}], "clientTime": "2025-06-01T00:00:00Z"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, srv.URL+"/sync-push", token, []byte(tc.body))
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	require.Nil(t, backend.lastReq, "invalid requests must not reach the backend")
}

func TestPushBatchTooLarge(t *testing.T) {
	backend := &stubBackend{pushErr: ErrBatchTooLarge}
	srv, token := newTestServer(t, backend)

	payload, err := json.Marshal(PushRequest{
		Batch: []PushChange{{
			ChangeID:   1,
			Entity:     EntityContacts,
			EntityID:   "id-1",
			Op:         OpInsert,
			Payload:    json.RawMessage(`{}`),
			ClientTime: time.Now().UTC(),
		}},
		ClientTime: time.Now().UTC(),
	})
	require.NoError(t, err)

	resp := doRequest(t, http.MethodPost, srv.URL+"/sync-push", token, payload)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "batch_too_large", body.Error)
}

func TestStatusNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubBackend{})

	resp := doRequest(t, http.MethodGet, srv.URL+"/sync-status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "healthy", status.Status)
	require.Equal(t, "prism-sync", status.AppName)
}
