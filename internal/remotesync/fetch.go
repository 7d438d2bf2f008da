package remotesync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
	"go.uber.org/zap"
)

const (
	apiGetPath         = "/remote/api/get/"
	defaultHTTPTimeout = 30 * time.Second
)

// FetcherConfig configures retrieval of payloads from the source site.
type FetcherConfig struct {
	Timeout         time.Duration
	VerifySignature bool
	Clock           func() time.Time
	Logger          *zap.Logger
	// Client overrides the HTTP client, mainly for tests.
	Client *req.Client
}

// Fetcher downloads the payload a source site serves for this installation.
type Fetcher struct {
	client          *req.Client
	verifySignature bool
	clock           func() time.Time
	logger          *zap.Logger
}

// NewFetcher constructs a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = req.C()
	}
	client.SetTimeout(timeout).SetUserAgent("sodar-sync")

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Fetcher{
		client:          client,
		verifySignature: cfg.VerifySignature,
		clock:           clock,
		logger:          logger,
	}
}

// PayloadURL returns the endpoint serving site's payload for the holder of its secret.
func PayloadURL(site remotesites.RemoteSite) string {
	return strings.TrimRight(site.URL, "/") + apiGetPath + url.PathEscape(site.Secret)
}

// Fetch performs a single blocking GET against the source. Transport failures and
// non-success responses are reported as ErrFetchFailed; nothing is retried.
func (f *Fetcher) Fetch(ctx context.Context, source remotesites.RemoteSite) (Payload, error) {
	response, err := f.client.R().SetContext(ctx).Get(PayloadURL(source))
	if err != nil {
		f.logger.Error("payload fetch failed",
			zap.String("operation", opFetch),
			zap.String("site", source.Name),
			zap.Error(err))
		return Payload{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if !response.IsSuccessState() {
		f.logger.Error("payload fetch rejected",
			zap.String("operation", opFetch),
			zap.String("site", source.Name),
			zap.Int("status", response.StatusCode))
		return Payload{}, fmt.Errorf("%w: status %d", ErrFetchFailed, response.StatusCode)
	}

	body := response.Bytes()
	if f.verifySignature {
		if err := VerifyPayloadSignature(source.Secret, body, response.Header.Get(SignatureHeader), f.clock); err != nil {
			f.logger.Error("payload signature rejected",
				zap.String("operation", opFetch),
				zap.String("site", source.Name),
				zap.Error(err))
			return Payload{}, err
		}
	}

	payload, err := DecodePayload(body)
	if err != nil {
		return Payload{}, err
	}
	f.logger.Debug("payload fetched",
		zap.String("site", source.Name),
		zap.Int("projects", len(payload.Projects)),
		zap.Int("users", len(payload.Users)))
	return payload, nil
}
