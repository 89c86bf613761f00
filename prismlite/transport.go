// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mcuteangel/Contacts-prism-sub001/prismsync"
)

// EndpointEnvVar is the environment fallback for the sync endpoint, used
// when neither the Sync options nor the stored credentials name one.
const EndpointEnvVar = "PRISM_SYNC_ENDPOINT"

// resolveTarget resolves the effective endpoint and token for one cycle:
// explicit option, then stored credentials, then environment default.
// Fails fast (before any network call) when no http(s) endpoint or no
// token can be found.
func (e *Engine) resolveTarget(ctx context.Context, opts *Options) (endpoint, token string, err error) {
	storedEndpoint, storedToken, err := e.store.Credentials(ctx)
	if err != nil {
		return "", "", err
	}

	endpoint = opts.Endpoint
	if endpoint == "" {
		endpoint = storedEndpoint
	}
	if endpoint == "" {
		endpoint = os.Getenv(EndpointEnvVar)
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return "", "", fmt.Errorf("%w (got %q)", ErrNoEndpoint, endpoint)
	}
	endpoint = strings.TrimRight(endpoint, "/")

	if e.Token != nil {
		token, err = e.Token(ctx)
		if err != nil {
			return "", "", fmt.Errorf("failed to obtain access token: %w", err)
		}
	} else {
		token = storedToken
	}
	if token == "" {
		return "", "", ErrNoToken
	}
	return endpoint, token, nil
}

// sendPush posts one outbox batch to the push endpoint.
func (e *Engine) sendPush(ctx context.Context, endpoint, token string, req *prismsync.PushRequest) (*prismsync.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/sync-push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("push endpoint returned status %d: %s", resp.StatusCode, string(msg))
	}

	var pushResp prismsync.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return &pushResp, nil
}

// sendDelta fetches all remote rows changed since the checkpoint. A nil
// since requests a full snapshot.
func (e *Engine) sendDelta(ctx context.Context, endpoint, token string, since *time.Time) (*prismsync.DeltaResponse, error) {
	deltaURL := endpoint + "/sync-delta"
	if since != nil {
		deltaURL += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, deltaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create delta request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("delta request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("delta endpoint returned status %d: %s", resp.StatusCode, string(msg))
	}

	var delta prismsync.DeltaResponse
	if err := json.NewDecoder(resp.Body).Decode(&delta); err != nil {
		return nil, fmt.Errorf("failed to decode delta response: %w", err)
	}
	return &delta, nil
}
