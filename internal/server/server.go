// Package server serves the identity page behind Identity-Aware Proxy
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/singlestore-labs/iapprofile/iap/models"
	"github.com/singlestore-labs/iapprofile/internal/config"
	"github.com/singlestore-labs/iapprofile/internal/metrics"
)

// AssertionValidator verifies the assertion header
type AssertionValidator interface {
	Validate(ctx context.Context, assertion string) (*models.IdentityClaims, error)
}

// PhotoFetcher looks up the profile photo of a verified account
type PhotoFetcher interface {
	FetchProfilePhoto(ctx context.Context, subjectID string) (string, error)
}

// Deps holds what NewRouter needs. Photos may be nil, which disables
// directory lookups. Gatherer may be nil, which leaves /metrics unmounted.
type Deps struct {
	Validator AssertionValidator
	Photos    PhotoFetcher
	Policy    config.Policy
	Logger    *zap.Logger
	Metrics   metrics.Recorder
	Gatherer  prometheus.Gatherer
}

type server struct {
	validator AssertionValidator
	photos    PhotoFetcher
	policy    config.Policy
	logger    *zap.Logger
	metrics   metrics.Recorder
}

// NewRouter builds the HTTP handler for the service
func NewRouter(deps *Deps) http.Handler {
	s := &server{
		validator: deps.Validator,
		photos:    deps.Photos,
		policy:    deps.Policy,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
	if s.policy == "" {
		s.policy = config.PolicyDegrade
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(newLoggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIdentity)
	r.Get("/healthz", handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// lookupResult is whatever identify managed to establish. Errs holds every
// step failure, in order.
type lookupResult struct {
	Claims *models.IdentityClaims
	Photo  string
	Errs   []error
}

func (r lookupResult) verified() bool {
	return !r.Claims.Empty()
}

// identify verifies the assertion and, for a verified caller, looks up
// the profile photo. It never fails as a whole.
func (s *server) identify(ctx context.Context, r *http.Request) lookupResult {
	var res lookupResult

	raw := r.Header.Get(models.AssertionHeader)
	if raw == "" {
		s.metrics.RecordAssertion(metrics.AssertionAbsent)
		return res
	}

	claims, err := s.validator.Validate(ctx, raw)
	if err != nil {
		s.metrics.RecordAssertion(metrics.AssertionRejected)
		res.Errs = append(res.Errs, err)
		return res
	}
	if claims.Empty() {
		s.metrics.RecordAssertion(metrics.AssertionAbsent)
		return res
	}
	s.metrics.RecordAssertion(metrics.AssertionVerified)
	res.Claims = claims

	// the unsigned header is informational only
	if userID := r.Header.Get(models.AuthenticatedUserIDHeader); userID != "" && userID != claims.Subject {
		s.logger.Warn("authenticated user id header disagrees with assertion",
			zap.String("request_id", requestIDFromContext(ctx)),
			zap.String("header", userID),
			zap.String("sub", claims.Subject))
	}

	if s.photos == nil {
		s.metrics.RecordDirectoryLookup(metrics.LookupDisabled)
		return res
	}
	photo, err := s.photos.FetchProfilePhoto(ctx, claims.AccountID())
	switch {
	case err == nil:
		s.metrics.RecordDirectoryLookup(metrics.LookupSuccess)
		res.Photo = photo
	case errors.Is(err, models.ErrNoPhoto):
		s.metrics.RecordDirectoryLookup(metrics.LookupNoPhoto)
		res.Errs = append(res.Errs, err)
	default:
		s.metrics.RecordDirectoryLookup(metrics.LookupFailure)
		res.Errs = append(res.Errs, err)
	}
	return res
}

func (s *server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.metrics.ObserveRequest(time.Since(start)) }()

	ctx := r.Context()
	res := s.identify(ctx, r)
	for _, err := range res.Errs {
		s.logger.Warn("identity step failed",
			zap.String("request_id", requestIDFromContext(ctx)),
			zap.Error(err))
	}

	if s.policy == config.PolicyReject && !res.verified() {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if res.verified() {
		s.logger.Info("identity verified",
			zap.String("request_id", requestIDFromContext(ctx)),
			zap.String("email", res.Claims.Email),
			zap.String("sub", res.Claims.Subject))
	}

	body, err := renderPage(newPageData(res))
	if err != nil {
		s.logger.Error("failed to render page",
			zap.String("request_id", requestIDFromContext(ctx)),
			zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
