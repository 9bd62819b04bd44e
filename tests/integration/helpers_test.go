//go:build integration && linux

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newTestClient(baseURL, apiKey string) *testClient {
	return &testClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (c *testClient) doRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (c *testClient) createSession(t *testing.T, dependencies []string) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "POST", "/v1/sessions", map[string]any{
		"dependencies": dependencies,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "failed to create session")
	return decodeResponse(t, resp)
}

func (c *testClient) execute(t *testing.T, sessionID, code string) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "POST", "/v1/execute", map[string]any{
		"session_id": sessionID,
		"code":       code,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "failed to submit execution")
	return decodeResponse(t, resp)
}

// waitForResult polls the request status until it leaves the running
// states, then fetches the stored result.
func (c *testClient) waitForResult(t *testing.T, requestID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		resp := c.doRequest(t, "GET", fmt.Sprintf("/v1/execute/%s/status", requestID), nil)
		status := decodeResponse(t, resp)["status"]
		if status != "initializing" && status != "running" {
			resp := c.doRequest(t, "GET", fmt.Sprintf("/v1/execute/%s/results", requestID), nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			return decodeResponse(t, resp)
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("request %s did not finish in time", requestID)
	return nil
}

func (c *testClient) deleteSession(t *testing.T, sessionID string) {
	t.Helper()
	resp := c.doRequest(t, "DELETE", fmt.Sprintf("/v1/sessions/%s", sessionID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}
