// Package api serves the read-only status API for a campaign: current
// snapshot, recent results and a websocket stream of outcomes as they
// settle. Bound to loopback by default; it exposes nothing that mutates
// a run.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/database"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/internal/sink"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

const maxResultsPage = 500

// Deps carries what the server reads from. Snapshot and Hub are nil when
// serving a store without a live campaign.
type Deps struct {
	Store    core.ResultStore
	Snapshot func() types.CampaignSnapshot
	Hub      *sink.Broadcast
	Version  string
}

type Server struct {
	cfg      config.APIConfig
	deps     Deps
	log      *logger.Logger
	srv      *http.Server
	addr     string
	upgrader websocket.Upgrader
}

func NewServer(cfg config.APIConfig, deps Deps, log *logger.Logger) *Server {
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.WithComponent("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The server binds loopback, but any page in a local browser
			// can open a websocket to 127.0.0.1. Only local origins get
			// the outcome stream.
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1")
			},
		},
	}
}

// Handler builds the route table. Exposed so tests can drive the routes
// without a listener.
func (s *Server) Handler() http.Handler {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogging(s.log))

	router.GET("/health", s.handleHealth)

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/campaign", s.handleCampaign)
		apiGroup.GET("/campaign/results", s.handleResults)
		apiGroup.GET("/campaign/stream", s.handleStream)
	}

	return router
}

// Start begins serving in the background. The listen happens here so a
// bad address fails fast instead of inside the goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("status api listen on %s: %w", s.cfg.Addr, err)
	}
	s.addr = ln.Addr().String()

	s.srv = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("Status API stopped", "error", err)
		}
	}()

	s.log.Infow("Status API listening", "addr", s.addr)
	return nil
}

// Addr reports the bound address, useful when the config asked for :0.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	state := "idle"
	if s.deps.Snapshot != nil {
		state = string(s.deps.Snapshot().State)
	}
	c.JSON(http.StatusOK, gin.H{
		"healthy":   true,
		"campaign":  state,
		"timestamp": time.Now().Unix(),
		"version":   s.deps.Version,
	})
}

func (s *Server) handleCampaign(c *gin.Context) {
	if s.deps.Snapshot != nil {
		c.JSON(http.StatusOK, s.deps.Snapshot())
		return
	}

	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no campaign attached and no result store configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	snap, err := s.deps.Store.LatestCampaign(ctx)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no campaign recorded"})
		return
	}
	if err != nil {
		s.log.Errorw("Failed to load latest campaign", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleResults(c *gin.Context) {
	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no result store configured"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxResultsPage {
		limit = maxResultsPage
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	campaignID := c.Query("campaign")
	if campaignID == "" {
		if s.deps.Snapshot != nil {
			campaignID = s.deps.Snapshot().ID
		} else {
			snap, err := s.deps.Store.LatestCampaign(ctx)
			if errors.Is(err, database.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no campaign recorded"})
				return
			}
			if err != nil {
				s.log.Errorw("Failed to resolve latest campaign", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			campaignID = snap.ID
		}
	}

	filter := core.ResultFilter{CampaignID: campaignID, Limit: limit}
	if o := c.Query("outcome"); o != "" {
		filter.Outcome = types.Outcome(o)
	}

	results, err := s.deps.Store.QueryResults(ctx, filter)
	if err != nil {
		s.log.Errorw("Failed to query results", "error", err, "campaign_id", campaignID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"campaign_id": campaignID,
		"count":       len(results),
		"results":     results,
	})
}

func (s *Server) handleStream(c *gin.Context) {
	if s.deps.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no live campaign to stream"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("Websocket upgrade failed", "error", err, "ip", c.ClientIP())
		return
	}
	defer conn.Close()

	results, cancel := s.deps.Hub.Subscribe()
	defer cancel()

	s.log.Debugw("Stream subscriber connected", "ip", c.ClientIP())

	// Clients never send data, but close and ping frames are only
	// processed while a read is pending.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case <-c.Request.Context().Done():
			return
		case result, ok := <-results:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "campaign finished")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(result); err != nil {
				return
			}
		}
	}
}
