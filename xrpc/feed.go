package xrpc

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var feedRequestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feed_skeleton_requests",
	Help: "Feed skeleton requests by outcome",
}, []string{"status"})

const (
	defaultFeedLimit = 50
	maxFeedLimit     = 100
)

type feedSkeletonResponse struct {
	Cursor *string            `json:"cursor"`
	Feed   []skeletonFeedPost `json:"feed"`
}

type skeletonFeedPost struct {
	Post string `json:"post"`
}

func (s *Server) handleGetFeedSkeleton(c echo.Context) error {
	ctx := c.Request().Context()
	viewer := getViewer(c)

	limit := defaultFeedLimit
	if ls := c.QueryParam("limit"); ls != "" {
		n, err := strconv.Atoi(ls)
		if err != nil || n < 1 {
			feedRequestsCounter.WithLabelValues("bad_request").Inc()
			return XRPCError(c, http.StatusBadRequest, "InvalidRequest", "invalid limit parameter")
		}
		limit = n
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}

	// The cursor is opaque to callers; internally it is the created_at of
	// the last row of the previous page. No cursor means "from now".
	before := time.Now().UTC()
	if cs := c.QueryParam("cursor"); cs != "" {
		t, err := time.Parse(time.RFC3339Nano, cs)
		if err != nil {
			feedRequestsCounter.WithLabelValues("bad_request").Inc()
			return XRPCError(c, http.StatusBadRequest, "InvalidRequest", "invalid cursor parameter")
		}
		before = t
	}

	if err := s.backend.RecordFeedRequest(ctx, viewer); err != nil {
		slog.Warn("failed to record feed request", "did", viewer, "error", err)
	}

	hasFollows, err := s.backend.HasFollows(ctx, viewer)
	if err != nil {
		slog.Warn("failed to check follows", "did", viewer, "error", err)
	} else if !hasFollows {
		slog.Info("no follows found for requester, triggering backfill", "did", viewer)
		s.backend.EnqueueBackfill(viewer)
	}

	entries, err := s.backend.GetFollowingPosts(ctx, viewer, limit, before)
	if err != nil {
		slog.Error("feed query failed", "did", viewer, "error", err)
		feedRequestsCounter.WithLabelValues("error").Inc()
		return XRPCError(c, http.StatusInternalServerError, "InternalServerError", "failed to generate feed")
	}

	resp := feedSkeletonResponse{
		Feed: make([]skeletonFeedPost, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Feed = append(resp.Feed, skeletonFeedPost{Post: e.Uri})
	}
	if len(entries) > 0 {
		cursor := entries[len(entries)-1].Created.UTC().Format(time.RFC3339Nano)
		resp.Cursor = &cursor
	}

	feedRequestsCounter.WithLabelValues("ok").Inc()
	return c.JSON(http.StatusOK, resp)
}
