// Package audience determines the audience that IAP assertions must be
// addressed to. The value is derived from the GCP project the process runs
// in and is cached for the life of the process.
package audience

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/memsql/errors"
	"golang.org/x/sync/errgroup"

	"github.com/singlestore-labs/iapprofile/iap/models"
)

const (
	numericProjectIDKey = "project/numeric-project-id"
	projectIDKey        = "project/project-id"

	defaultTimeout = 5 * time.Second
)

// MetadataClient is the subset of *metadata.Client used by the Resolver
type MetadataClient interface {
	OnGCEWithContext(ctx context.Context) bool
	GetWithContext(ctx context.Context, suffix string) (string, error)
}

var _ MetadataClient = (*metadata.Client)(nil)

// Cache holds a resolved audience. The first successful store wins; later
// stores are ignored. It is safe for concurrent use.
type Cache struct {
	value atomic.Pointer[string]
}

// NewCache returns an empty cache
func NewCache() *Cache {
	return &Cache{}
}

// Load returns the cached audience and whether one has been stored
func (c *Cache) Load() (string, bool) {
	p := c.value.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Store records aud unless a value is already present. It returns the
// value that is cached after the call.
func (c *Cache) Store(aud string) string {
	if c.value.CompareAndSwap(nil, &aud) {
		return aud
	}
	return *c.value.Load()
}

// Format composes the audience for an App Engine or Cloud Run service behind IAP
func Format(numericProjectID, projectID string) string {
	return fmt.Sprintf("/projects/%s/apps/%s", numericProjectID, projectID)
}

// Resolver looks up the expected audience using the metadata service
type Resolver struct {
	cache   *Cache
	client  MetadataClient
	logger  models.Logger
	timeout time.Duration
}

// Option configures a Resolver
type Option func(*Resolver)

// WithMetadataClient overrides the metadata client. The default uses
// metadata.NewClient(nil), which honors GCE_METADATA_HOST.
func WithMetadataClient(client MetadataClient) Option {
	return func(r *Resolver) {
		r.client = client
	}
}

// WithLogger sets a logger (if nil, no logging occurs)
func WithLogger(logger models.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithTimeout bounds the metadata lookups of a single resolution
func WithTimeout(timeout time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = timeout
	}
}

// NewResolver creates a resolver that stores its result in cache
func NewResolver(cache *Cache, opts ...Option) *Resolver {
	r := &Resolver{
		cache:   cache,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = metadata.NewClient(nil)
	}
	return r
}

func (r *Resolver) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Logf(format, args...)
	}
}

// Resolve returns the expected audience. A cached value is returned
// without any I/O. When the metadata service is not reachable the result
// is "" with a nil error. Lookup failures are not cached.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if aud, ok := r.cache.Load(); ok {
		return aud, nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if !r.client.OnGCEWithContext(ctx) {
		r.logf("Audience - metadata service unavailable, no audience")
		return "", nil
	}

	var numericProjectID, projectID string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := r.lookup(gctx, numericProjectIDKey)
		numericProjectID = v
		return err
	})
	g.Go(func() error {
		v, err := r.lookup(gctx, projectIDKey)
		projectID = v
		return err
	})
	if err := g.Wait(); err != nil {
		r.logf("Audience - resolution failed: %v", err)
		return "", err
	}

	aud := r.cache.Store(Format(numericProjectID, projectID))
	r.logf("Audience - resolved %s", aud)
	return aud, nil
}

func (r *Resolver) lookup(ctx context.Context, key string) (string, error) {
	v, err := r.client.GetWithContext(ctx, key)
	if err != nil {
		return "", errors.Errorf("%w: metadata %s: %w", models.ErrAudienceUnavailable, key, err)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.Errorf("%w: metadata %s is empty", models.ErrAudienceUnavailable, key)
	}
	return v, nil
}
