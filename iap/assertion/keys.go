package assertion

import (
	"context"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/memsql/errors"

	"github.com/singlestore-labs/iapprofile/iap/models"
)

const defaultKeyFetchTimeout = 10 * time.Second

// KeySource provides the trust broker's current signing keys
type KeySource interface {
	FetchKeys(ctx context.Context) (jwkset.Storage, error)
}

// HTTPKeySource fetches a JWK set over HTTP on every call. There is no
// caching and no background refresh.
type HTTPKeySource struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

var _ KeySource = (*HTTPKeySource)(nil)

// NewHTTPKeySource creates a key source for url. If client is nil,
// http.DefaultClient is used. A zero timeout selects 10 seconds.
func NewHTTPKeySource(url string, client *http.Client, timeout time.Duration) *HTTPKeySource {
	if url == "" {
		url = models.IAPKeysURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout == 0 {
		timeout = defaultKeyFetchTimeout
	}
	return &HTTPKeySource{
		url:     url,
		client:  client,
		timeout: timeout,
	}
}

// FetchKeys performs one live fetch of the JWK set
func (s *HTTPKeySource) FetchKeys(ctx context.Context) (jwkset.Storage, error) {
	if ctx.Err() != nil {
		return nil, errors.Errorf("%w: %w", models.ErrKeyFetch, ctx.Err())
	}

	storage, err := jwkset.NewStorageFromHTTP(s.url, jwkset.HTTPClientStorageOptions{
		Client:      s.client,
		Ctx:         ctx,
		HTTPTimeout: s.timeout,
	})
	if err != nil {
		return nil, errors.Errorf("%w: %s: %w", models.ErrKeyFetch, s.url, err)
	}
	return storage, nil
}
