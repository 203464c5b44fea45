package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/V4T54L/feedwatch/internal/adapter/api/handler"
	"github.com/V4T54L/feedwatch/internal/domain"
)

// Mounter is anything that can serve additional handlers, such as the
// metrics registry.
type Mounter interface {
	Handle(pattern string, h http.Handler)
}

// NewRouter creates the read-only health router.
func NewRouter(
	status handler.StatusProvider,
	sink domain.Sink,
	buckets handler.BucketReader,
	gapThreshold time.Duration,
	logger *slog.Logger,
) *http.ServeMux {
	mux := http.NewServeMux()
	healthHandler := handler.NewHealthHandler(status, sink, buckets, gapThreshold, logger)

	mux.HandleFunc("GET /health", healthHandler.HealthCheck)
	mux.HandleFunc("GET /health/staleness", healthHandler.GetStaleness)
	mux.HandleFunc("GET /health/gaps", healthHandler.GetGaps)
	mux.HandleFunc("GET /health/buckets", healthHandler.GetBuckets)

	return mux
}

// Mount registers the health router on m under /health.
func Mount(m Mounter, router http.Handler) {
	m.Handle("/health", router)
	m.Handle("/health/", router)
}
