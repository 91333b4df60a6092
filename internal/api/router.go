// Package api assembles the coordinator's HTTP surface (C7 Ingress
// plus the C9 gateway upgrade endpoint): chi router, middleware chain,
// and route table. Grounded in storage-element's server.go, adapted
// from its oapi-codegen-generated route mounting to direct chi routes
// since this coordinator has no OpenAPI document to generate from.
package api

import (
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patanet7/ChirpNeighbors/internal/api/handlers"
	apimw "github.com/patanet7/ChirpNeighbors/internal/api/middleware"
)

// GatewayHandler serves the WebSocket subscription upgrade.
type GatewayHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Deps wires every collaborator the router needs.
type Deps struct {
	Devices *handlers.Devices
	Captures *handlers.Captures
	Health  *handlers.Health
	Gateway GatewayHandler
	Auth    *apimw.JWTAuth
	Logger  *slog.Logger
}

var uuidPathSegment = regexp.MustCompile(`/[0-9a-fA-F-]{8,36}(/|$)`)

func normalizePath(path string) string {
	return uuidPathSegment.ReplaceAllString(path, "/{id}$1")
}

// NewRouter builds the full chi.Router for the coordinator.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(apimw.RequestLogger(d.Logger))
	r.Use(apimw.Metrics(normalizePath))

	r.Get("/v1/healthz", d.Health.Healthz)
	r.Get("/v1/readyz", d.Health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	// The gateway upgrade authenticates itself (gateway.Gateway's own
	// Authenticator accepts a ?token= query parameter, since browser
	// WebSocket clients cannot set a bearer Authorization header on
	// the upgrade request) rather than sitting behind the bearer-only
	// JWTAuth.Middleware used by the REST routes below.
	r.Get("/v1/ws", d.Gateway.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware())

		r.Post("/v1/devices/register", d.Devices.RegisterDevice)
		r.Post("/v1/devices/{id}/heartbeat", d.Devices.Heartbeat)

		r.Post("/v1/captures", d.Captures.UploadCapture)
		r.Get("/v1/captures", d.Captures.ListCaptures)
		r.Get("/v1/captures/{id}", d.Captures.GetCapture)
	})

	return r
}
