// Package agentclient is the agent host's signed-HTTP client for the
// gateway's agent-facing surface (§6: register, heartbeat, claim, ingest,
// commands, state, artifacts). It implements the sign side of C1.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/ctrlplane/gateway/internal/platform/apierr"
	"github.com/ctrlplane/gateway/internal/platform/signing"
)

// Client signs and sends requests to a gateway using the shared client token.
type Client struct {
	BaseURL    string
	Secret     string
	HTTPClient *http.Client
}

// New constructs a Client with a bounded request timeout (§5: ≥30s for ingest).
func New(baseURL, secret string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Secret:     secret,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// RunScope carries the run id and capability token for run-scoped calls.
type RunScope struct {
	RunID           string
	CapabilityToken string
}

// Do signs and executes method+path with the given JSON body (nil for none),
// optionally scoped to a run, and decodes the JSON response into out (nil to
// discard the body).
func (c *Client) Do(ctx context.Context, method, path string, body interface{}, scope *RunScope, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return apierr.Internal("failed to marshal request body", err)
		}
	}

	nonce, err := signing.NewNonce()
	if err != nil {
		return apierr.Internal("failed to generate nonce", err)
	}
	ts := fmt.Sprintf("%d", time.Now().Unix())
	bodyHash := signing.BodyHash(bodyBytes)

	var runID, capToken string
	if scope != nil {
		runID = scope.RunID
		capToken = scope.CapabilityToken
	}
	sig := signing.Sign([]byte(c.Secret), method, path, bodyHash, ts, nonce, runID, capToken)

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return apierr.Transport("failed to build request", err)
	}
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(signing.HeaderTimestamp, ts)
	req.Header.Set(signing.HeaderNonce, nonce)
	req.Header.Set(signing.HeaderSignature, sig)
	if scope != nil {
		req.Header.Set(signing.HeaderRunID, scope.RunID)
		req.Header.Set(signing.HeaderCapabilityToken, scope.CapabilityToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return apierr.Transport("request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.Transport("failed to read response body", err)
	}

	if resp.StatusCode >= 400 {
		return apierr.Transport(fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return apierr.Internal("failed to decode response", err)
		}
	}
	return nil
}

// UploadArtifact signs and sends a multipart file upload to a run-scoped
// artifact endpoint (§6: "Artifact upload: multipart POST, run-scoped").
func (c *Client) UploadArtifact(ctx context.Context, path, filename string, content []byte, scope RunScope) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return apierr.Internal("failed to build multipart body", err)
	}
	if _, err := part.Write(content); err != nil {
		return apierr.Internal("failed to write multipart body", err)
	}
	if err := w.Close(); err != nil {
		return apierr.Internal("failed to close multipart body", err)
	}

	nonce, err := signing.NewNonce()
	if err != nil {
		return apierr.Internal("failed to generate nonce", err)
	}
	ts := fmt.Sprintf("%d", time.Now().Unix())
	bodyHash := signing.BodyHash(buf.Bytes())
	sig := signing.Sign([]byte(c.Secret), http.MethodPost, path, bodyHash, ts, nonce, scope.RunID, scope.CapabilityToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return apierr.Transport("failed to build request", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(signing.HeaderTimestamp, ts)
	req.Header.Set(signing.HeaderNonce, nonce)
	req.Header.Set(signing.HeaderSignature, sig)
	req.Header.Set(signing.HeaderRunID, scope.RunID)
	req.Header.Set(signing.HeaderCapabilityToken, scope.CapabilityToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return apierr.Transport("artifact upload failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return apierr.Transport(fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, string(body)), nil)
	}
	return nil
}
