// Package status serves a read-only HTTP view of the running bridge.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dhcgn/siriusone-bridge/dispatch"
	"github.com/dhcgn/siriusone-bridge/registration"
	"github.com/dhcgn/siriusone-bridge/state"
	"github.com/dhcgn/siriusone-bridge/stats"
)

// Sources are the components the handlers read from. Nil fields are
// reported as empty.
type Sources struct {
	Machine *registration.Machine
	Stats   func() stats.Summary
	Pending *dispatch.Pending
	Tracker state.Tracker
	Started time.Time
	Plugin  string
}

// Status is the body of GET /status.
type Status struct {
	Plugin         string                   `json:"plugin"`
	Registration   string                   `json:"registration"`
	LastTransition *registration.Transition `json:"lastTransition,omitempty"`
	Uptime         string                   `json:"uptime"`
	Stats          stats.Summary            `json:"stats"`
	Pending        dispatch.PendingStats    `json:"pending"`
	Delivered      state.Snapshot           `json:"delivered"`
}

// Pending is the body of GET /pending.
type Pending struct {
	Stats   dispatch.PendingStats `json:"stats"`
	Entries []dispatch.Entry      `json:"entries"`
}

func NewRouter(src Sources, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.status())
	})
	r.GET("/pending", func(c *gin.Context) {
		limit := 0
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = n
		}
		c.JSON(http.StatusOK, src.pending(limit))
	})
	return r
}

func (s Sources) status() Status {
	out := Status{
		Plugin:       s.Plugin,
		Registration: registration.Unregistered.String(),
		Uptime:       time.Since(s.Started).Round(time.Second).String(),
	}
	if s.Machine != nil {
		out.Registration = s.Machine.State().String()
		if t, ok := s.Machine.LastTransition(); ok {
			out.LastTransition = &t
		}
	}
	if s.Stats != nil {
		out.Stats = s.Stats()
	}
	if s.Pending != nil {
		out.Pending = s.Pending.Stats()
	}
	if s.Tracker != nil {
		out.Delivered = s.Tracker.Snapshot()
	}
	return out
}

func (s Sources) pending(limit int) Pending {
	out := Pending{Entries: []dispatch.Entry{}}
	if s.Pending == nil {
		return out
	}
	out.Stats = s.Pending.Stats()
	entries := s.Pending.Snapshot()
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out.Entries = append(out.Entries, entries...)
	return out
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(started))
	}
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	if logger != nil {
		logger.Info("status server listening", "addr", addr)
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
