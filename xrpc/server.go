package xrpc

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Backend is the slice of the index the feed endpoint needs. The main package
// wires it up over the store and the backfiller; tests inject a fake.
type Backend interface {
	GetFollowingPosts(ctx context.Context, did string, limit int, before time.Time) ([]FeedEntry, error)
	RecordFeedRequest(ctx context.Context, did string) error
	HasFollows(ctx context.Context, did string) (bool, error)
	EnqueueBackfill(did string)
}

// FeedEntry is one row of a skeleton feed page.
type FeedEntry struct {
	Uri     string
	Created time.Time
}

// Server exposes the feed generator's public HTTP surface.
type Server struct {
	e        *echo.Echo
	backend  Backend
	verifier *Verifier

	serviceDid string
	hostname   string
}

func NewServer(backend Backend, verifier *Verifier, serviceDid, hostname string) *Server {
	e := echo.New()
	e.HidePort = true
	e.HideBanner = true

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"*"},
	}))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		e:          e,
		backend:    backend,
		verifier:   verifier,
		serviceDid: serviceDid,
		hostname:   hostname,
	}

	e.GET("/", s.handleRoot)
	e.GET("/.well-known/did.json", s.handleDidDocument)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	xrpcGroup := e.Group("/xrpc")
	xrpcGroup.GET("/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton, s.requireAuth)

	return s
}

func (s *Server) Start(addr string) error {
	slog.Info("starting feed generator server", "addr", addr, "service_did", s.serviceDid)
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.String(http.StatusOK, "Following No Reposts Feed Generator")
}

type didDocument struct {
	Context []string          `json:"@context"`
	Id      string            `json:"id"`
	Service []serviceEndpoint `json:"service"`
}

type serviceEndpoint struct {
	Id              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

func (s *Server) handleDidDocument(c echo.Context) error {
	return c.JSON(http.StatusOK, didDocument{
		Context: []string{"https://www.w3.org/ns/did/v1"},
		Id:      s.serviceDid,
		Service: []serviceEndpoint{
			{
				Id:              "#bsky_fg",
				Type:            "BskyFeedGenerator",
				ServiceEndpoint: "https://" + s.hostname,
			},
		},
	})
}

// XRPCError creates a properly formatted XRPC error response
func XRPCError(c echo.Context, statusCode int, errType, message string) error {
	return c.JSON(statusCode, map[string]interface{}{
		"error":   errType,
		"message": message,
	})
}

// getViewer extracts the authenticated requester DID from the request
// context. Empty if requireAuth didn't run.
func getViewer(c echo.Context) string {
	did := c.Get("viewer")
	if did == nil {
		return ""
	}
	if s, ok := did.(string); ok {
		return s
	}
	return ""
}
