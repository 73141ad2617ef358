package signing

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	psign "github.com/ctrlplane/gateway/internal/platform/signing"
	"github.com/ctrlplane/gateway/internal/store/memstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(v *Verifier) *gin.Engine {
	r := gin.New()
	r.POST("/api/runs/claim", v.Middleware(false), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestVerifierAcceptsValidSignature(t *testing.T) {
	secret := "shared-secret"
	v := New(secret, 5*time.Minute, 10*time.Minute, memstore.New())
	router := newTestRouter(v)

	body := []byte(`{"agentId":"agent-1"}`)
	ts := time.Now()
	tsStr := itoa(ts.Unix())
	sig := psign.Sign([]byte(secret), http.MethodPost, "/api/runs/claim", psign.BodyHash(body), tsStr, "nonce-1", "", "")

	req := httptest.NewRequest(http.MethodPost, "/api/runs/claim", bytes.NewReader(body))
	req.Header.Set(psign.HeaderTimestamp, tsStr)
	req.Header.Set(psign.HeaderNonce, "nonce-1")
	req.Header.Set(psign.HeaderSignature, sig)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestVerifierRejectsBadSignature(t *testing.T) {
	secret := "shared-secret"
	v := New(secret, 5*time.Minute, 10*time.Minute, memstore.New())
	router := newTestRouter(v)

	body := []byte(`{"agentId":"agent-1"}`)
	ts := itoa(time.Now().Unix())

	req := httptest.NewRequest(http.MethodPost, "/api/runs/claim", bytes.NewReader(body))
	req.Header.Set(psign.HeaderTimestamp, ts)
	req.Header.Set(psign.HeaderNonce, "nonce-1")
	req.Header.Set(psign.HeaderSignature, "0000000000000000000000000000000000000000000000000000000000000000")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestVerifierRejectsSkew(t *testing.T) {
	secret := "shared-secret"
	v := New(secret, 1*time.Minute, 10*time.Minute, memstore.New())
	router := newTestRouter(v)

	body := []byte(`{}`)
	ts := itoa(time.Now().Add(-10 * time.Minute).Unix())
	sig := psign.Sign([]byte(secret), http.MethodPost, "/api/runs/claim", psign.BodyHash(body), ts, "nonce-1", "", "")

	req := httptest.NewRequest(http.MethodPost, "/api/runs/claim", bytes.NewReader(body))
	req.Header.Set(psign.HeaderTimestamp, ts)
	req.Header.Set(psign.HeaderNonce, "nonce-1")
	req.Header.Set(psign.HeaderSignature, sig)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for timestamp outside allowed skew, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestVerifierRejectsReplayedNonce(t *testing.T) {
	secret := "shared-secret"
	v := New(secret, 5*time.Minute, 10*time.Minute, memstore.New())
	router := newTestRouter(v)

	body := []byte(`{}`)
	ts := itoa(time.Now().Unix())
	sig := psign.Sign([]byte(secret), http.MethodPost, "/api/runs/claim", psign.BodyHash(body), ts, "nonce-replay", "", "")

	makeReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/runs/claim", bytes.NewReader(body))
		req.Header.Set(psign.HeaderTimestamp, ts)
		req.Header.Set(psign.HeaderNonce, "nonce-replay")
		req.Header.Set(psign.HeaderSignature, sig)
		return req
	}

	rec1 := httptest.NewRecorder()
	router.ServeHTTP(rec1, makeReq())
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d: %s", rec1.Code, rec1.Body.String())
	}

	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, makeReq())
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("expected replayed nonce to be rejected, got %d: %s", rec2.Code, rec2.Body.String())
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
