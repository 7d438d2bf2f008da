package remotesync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
)

const fetchSecret = "0123456789abcdef0123456789abcdef"

func newPayloadServer(t *testing.T, status int, body string, signature string) (*httptest.Server, *string) {
	t.Helper()
	requestedPath := new(string)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requestedPath = r.URL.Path
		if signature != "" {
			w.Header().Set(SignatureHeader, signature)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server, requestedPath
}

func TestFetchReturnsVerifiedPayload(t *testing.T) {
	clock := newTestClock()
	signer := NewPayloadSigner(time.Minute, clock.Now)
	signature, err := signer.Sign(fetchSecret, []byte(singleCategoryPayload))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	server, requestedPath := newPayloadServer(t, http.StatusOK, singleCategoryPayload, signature)

	fetcher := NewFetcher(FetcherConfig{Timeout: time.Second, VerifySignature: true, Clock: clock.Now})
	source := remotesites.RemoteSite{Name: "source", URL: server.URL + "/", Secret: fetchSecret}
	payload, err := fetcher.Fetch(context.Background(), source)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if *requestedPath != "/remote/api/get/"+fetchSecret {
		t.Fatalf("unexpected request path %q", *requestedPath)
	}
	if payload.Projects["P1"].Title != "Cat" || payload.Users["U1"].Username != "alice" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestFetchRejectsTamperedPayload(t *testing.T) {
	clock := newTestClock()
	signature, err := NewPayloadSigner(time.Minute, clock.Now).Sign(fetchSecret, []byte(`{"users": {}, "projects": {}}`))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	server, _ := newPayloadServer(t, http.StatusOK, singleCategoryPayload, signature)

	fetcher := NewFetcher(FetcherConfig{VerifySignature: true, Clock: clock.Now})
	_, err = fetcher.Fetch(context.Background(), remotesites.RemoteSite{URL: server.URL, Secret: fetchSecret})
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestFetchReportsHTTPFailures(t *testing.T) {
	server, _ := newPayloadServer(t, http.StatusUnauthorized, `{"error":"unauthorized"}`, "")

	fetcher := NewFetcher(FetcherConfig{})
	_, err := fetcher.Fetch(context.Background(), remotesites.RemoteSite{URL: server.URL, Secret: fetchSecret})
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestFetchReportsMalformedJSON(t *testing.T) {
	server, _ := newPayloadServer(t, http.StatusOK, `{"projects": [`, "")

	fetcher := NewFetcher(FetcherConfig{})
	_, err := fetcher.Fetch(context.Background(), remotesites.RemoteSite{URL: server.URL, Secret: fetchSecret})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}

func TestVerifyPayloadSignature(t *testing.T) {
	clock := newTestClock()
	body := []byte(singleCategoryPayload)
	token, err := NewPayloadSigner(time.Minute, clock.Now).Sign(fetchSecret, body)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	if err := VerifyPayloadSignature(fetchSecret, body, token, clock.Now); err != nil {
		t.Fatalf("expected valid signature: %v", err)
	}
	if err := VerifyPayloadSignature("another-secret", body, token, clock.Now); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected wrong secret to fail, got %v", err)
	}
	if err := VerifyPayloadSignature(fetchSecret, body, "", clock.Now); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected missing token to fail, got %v", err)
	}

	later := func() time.Time { return clock.Now().Add(time.Hour) }
	if err := VerifyPayloadSignature(fetchSecret, body, token, later); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestVerifyPayloadSignatureRejectsOtherAlgorithms(t *testing.T) {
	clock := newTestClock()
	claims := payloadClaims{
		Digest: digest([]byte("{}")),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(fetchSecret))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := VerifyPayloadSignature(fetchSecret, []byte("{}"), token, clock.Now); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected HS512 token to be rejected, got %v", err)
	}
}

func TestPayloadURLEscapesSecret(t *testing.T) {
	url := PayloadURL(remotesites.RemoteSite{URL: "https://source.example.com//", Secret: "a b/c"})
	if url != "https://source.example.com/remote/api/get/a%20b%2Fc" {
		t.Fatalf("unexpected url %s", url)
	}
}
