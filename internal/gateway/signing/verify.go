// Package signing is the gateway-side half of C1: a gin middleware that
// verifies the signed-request envelope on every agent-facing endpoint.
package signing

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ctrlplane/gateway/internal/platform/apierr"
	psign "github.com/ctrlplane/gateway/internal/platform/signing"
	"github.com/ctrlplane/gateway/internal/store"
)

// Verifier checks the X-Timestamp/X-Nonce/X-Signature envelope described in
// §4.1, recording the nonce on success.
type Verifier struct {
	secret      []byte
	clockSkew   time.Duration
	nonceExpiry time.Duration
	nonces      store.NonceRepository
}

// New builds a Verifier against the process-wide HMAC secret.
func New(secret string, clockSkew, nonceExpiry time.Duration, nonces store.NonceRepository) *Verifier {
	return &Verifier{secret: []byte(secret), clockSkew: clockSkew, nonceExpiry: nonceExpiry, nonces: nonces}
}

// Middleware returns a gin.HandlerFunc enforcing the envelope on agent routes.
// When runScoped is true, X-Run-Id/X-Capability-Token are read and folded
// into the canonical tuple, and the handler must itself check that the
// token matches the run being acted on (c1 only proves envelope integrity,
// not the run's particular capability token value).
func (v *Verifier) Middleware(runScoped bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ts := c.GetHeader(psign.HeaderTimestamp)
		nonce := c.GetHeader(psign.HeaderNonce)
		sig := c.GetHeader(psign.HeaderSignature)
		if ts == "" || nonce == "" || sig == "" {
			abort(c, apierr.BadSignature("missing signature headers"))
			return
		}

		tsSeconds, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			abort(c, apierr.BadSignature("malformed timestamp"))
			return
		}
		skew := time.Since(time.Unix(tsSeconds, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.clockSkew {
			abort(c, apierr.Skew("timestamp outside allowed skew"))
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				abort(c, apierr.BadSignature("failed to read body"))
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}
		bodyHash := psign.BodyHash(body)

		var runID, capToken string
		if runScoped {
			runID = c.GetHeader(psign.HeaderRunID)
			capToken = c.GetHeader(psign.HeaderCapabilityToken)
		}

		if !psign.Verify(v.secret, c.Request.Method, c.Request.URL.Path, bodyHash, ts, nonce, runID, capToken, sig) {
			abort(c, apierr.BadSignature("signature mismatch"))
			return
		}

		ctx := c.Request.Context()
		if err := v.recordNonce(ctx, nonce); err != nil {
			abort(c, err)
			return
		}

		if runScoped {
			c.Set("run_id", runID)
			c.Set("capability_token", capToken)
		}
		c.Next()
	}
}

// recordNonce records nonce, purging expired entries first (lazy purge per §4.1).
func (v *Verifier) recordNonce(ctx context.Context, nonce string) error {
	cutoff := time.Now().Add(-v.nonceExpiry)
	_ = v.nonces.PurgeExpired(ctx, cutoff)

	ok, err := v.nonces.RecordNonce(ctx, nonce, time.Now().UTC())
	if err != nil {
		return apierr.Internal("failed to record nonce", err)
	}
	if !ok {
		return apierr.Replay("nonce already used")
	}
	return nil
}

func abort(c *gin.Context, err error) {
	status := apierr.GetHTTPStatus(err)
	ae, _ := apierr.As(err)
	body := gin.H{"error": gin.H{"code": "internal", "message": err.Error()}}
	if ae != nil {
		body = gin.H{"error": gin.H{"code": ae.Code, "message": ae.Message}}
	}
	c.AbortWithStatusJSON(status, body)
}
