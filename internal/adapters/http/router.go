package httpadapter

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kirillkom/document-intelligence/internal/config"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
	"github.com/kirillkom/document-intelligence/internal/observability/metrics"
)

const (
	serviceName = "api"

	defaultMaxInFlight      = 64
	defaultBackpressureWait = 250 * time.Millisecond
)

type Router struct {
	ingest  ports.DocumentIngestor
	docs    ports.DocumentReader
	manager ports.DocumentManager
	catalog ports.DocumentCatalog
	metrics *metrics.HTTPServerMetrics

	defaultTenantID  string
	maxUploadBytes   int64
	jwtSecret        []byte
	rateLimitRPS     float64
	rateLimitBurst   int
	maxInFlight      int
	backpressureWait time.Duration
}

// NewRouter wires the document endpoints. httpMetrics may be nil.
func NewRouter(
	cfg config.Config,
	ingest ports.DocumentIngestor,
	docs ports.DocumentReader,
	manager ports.DocumentManager,
	catalog ports.DocumentCatalog,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	rt := &Router{
		ingest:           ingest,
		docs:             docs,
		manager:          manager,
		catalog:          catalog,
		metrics:          httpMetrics,
		defaultTenantID:  cfg.DefaultTenantID,
		maxUploadBytes:   int64(cfg.MaxUploadMB) << 20,
		rateLimitRPS:     cfg.APIRateLimitRPS,
		rateLimitBurst:   cfg.APIRateLimitBurst,
		maxInFlight:      cfg.APIMaxInFlight,
		backpressureWait: time.Duration(cfg.APIBackpressureWaitMS) * time.Millisecond,
	}
	if cfg.APIJWTSecret != "" {
		rt.jwtSecret = []byte(cfg.APIJWTSecret)
	}
	if rt.maxInFlight <= 0 {
		rt.maxInFlight = defaultMaxInFlight
	}
	if rt.backpressureWait <= 0 {
		rt.backpressureWait = defaultBackpressureWait
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/documents", rt.uploadDocument)
	api.HandleFunc("POST /v1/documents/batch", rt.uploadBatch)
	api.HandleFunc("GET /v1/documents", rt.listDocuments)
	api.HandleFunc("GET /v1/stats", rt.tenantStats)
	api.HandleFunc("GET /v1/documents/{document_id}", rt.getDocument)
	api.HandleFunc("DELETE /v1/documents/{document_id}", rt.deleteDocument)
	api.HandleFunc("POST /v1/documents/{document_id}/reprocess", rt.reprocessDocument)

	var protected http.Handler = api
	protected = rt.authMiddleware(protected)
	protected = backpressureMiddleware(protected, rt.maxInFlight, rt.backpressureWait)
	protected = rateLimitMiddleware(protected, rt.rateLimitRPS, rt.rateLimitBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	mux.Handle("/v1/", protected)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
