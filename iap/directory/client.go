// Package directory looks up profile photos in the Google People API
package directory

import (
	"context"
	"strings"
	"time"

	"github.com/memsql/errors"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	people "google.golang.org/api/people/v1"

	"github.com/singlestore-labs/iapprofile/iap/models"
)

const defaultTimeout = 10 * time.Second

// Client fetches profile photos for verified subjects
type Client struct {
	service *people.Service
	limiter *rate.Limiter
	timeout time.Duration
	logger  models.Logger
}

type clientOptions struct {
	endpoint string
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   models.Logger
}

// Option configures a Client
type Option func(*clientOptions)

// WithEndpoint overrides the People API base URL
func WithEndpoint(endpoint string) Option {
	return func(o *clientOptions) {
		o.endpoint = endpoint
	}
}

// WithRateLimit caps outbound calls. Callers wait for a token, bounded by
// their context.
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(o *clientOptions) {
		o.limiter = limiter
	}
}

// WithTimeout bounds each lookup
func WithTimeout(timeout time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// WithLogger sets a logger (if nil, no logging occurs)
func WithLogger(logger models.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// NewClient creates a People API client authenticated with apiKey
func NewClient(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.Errorf("a People API key is required")
	}
	o := clientOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	clientOpts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if o.endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(o.endpoint))
	}
	service, err := people.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Errorf("failed to create People API client: %w", err)
	}

	return &Client{
		service: service,
		limiter: o.limiter,
		timeout: o.timeout,
		logger:  o.logger,
	}, nil
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Logf(format, args...)
	}
}

// FetchProfilePhoto returns the URL of the first photo of subjectID. A
// person without photos fails with models.ErrNoPhoto.
func (c *Client) FetchProfilePhoto(ctx context.Context, subjectID string) (string, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", errors.Errorf("%w: empty subject id", models.ErrDirectoryLookup)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", errors.Errorf("%w: rate limited: %w", models.ErrDirectoryLookup, err)
		}
	}

	resourceName := "people/" + subjectID
	c.logf("Directory - requesting photos for %s", resourceName)
	person, err := c.service.People.Get(resourceName).
		PersonFields("photos").
		Context(ctx).
		Do(googleapi.QueryParameter("resourceName", resourceName))
	if err != nil {
		if apiErr, ok := err.(*googleapi.Error); ok {
			c.logf("Directory - People API returned status %d: %s", apiErr.Code, apiErr.Message)
			return "", errors.Errorf("%w: status %d: %w", models.ErrDirectoryLookup, apiErr.Code, err)
		}
		c.logf("Directory - request failed: %v", err)
		return "", errors.Errorf("%w: %w", models.ErrDirectoryLookup, err)
	}

	if len(person.Photos) == 0 || person.Photos[0] == nil || person.Photos[0].Url == "" {
		c.logf("Directory - no photo for %s", resourceName)
		return "", errors.Errorf("%w: %w: %s", models.ErrDirectoryLookup, models.ErrNoPhoto, resourceName)
	}
	return person.Photos[0].Url, nil
}
