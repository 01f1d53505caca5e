package coordinator

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/headunit/internal/auth"
	"github.com/danmuck/headunit/internal/discovery"
	"github.com/danmuck/headunit/internal/observability"
	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/registry"
)

const version = "0.1.0"

type deviceView struct {
	MAC        string         `json:"mac"`
	Name       string         `json:"name,omitempty"`
	Type       string         `json:"type"`
	HWRevision uint8          `json:"hw_revision"`
	Firmware   string         `json:"firmware"`
	Address    string         `json:"address"`
	State      registry.State `json:"state"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
	StateSince time.Time      `json:"state_since"`
}

func viewDevice(d registry.Device) deviceView {
	return deviceView{
		MAC:        d.MAC.String(),
		Name:       d.Name,
		Type:       d.Type.String(),
		HWRevision: d.HWRevision,
		Firmware:   strconv.Itoa(int(d.FWMajor)) + "." + strconv.Itoa(int(d.FWMinor)),
		Address:    d.Address.String(),
		State:      d.State,
		FirstSeen:  d.FirstSeen,
		LastSeen:   d.LastSeen,
		StateSince: d.StateSince,
	}
}

type pendingView struct {
	Dst       string    `json:"dst"`
	Seq       uint16    `json:"seq"`
	Type      string    `json:"type"`
	Attempts  int       `json:"attempts"`
	QueuedAt  time.Time `json:"queued_at"`
	Deadline  time.Time `json:"deadline"`
	LastError string    `json:"last_error,omitempty"`
}

type stateRequest struct {
	Channel uint8 `json:"channel"`
	On      bool  `json:"on"`
}

// Router builds the admin API.
func (s *Service) Router() *gin.Engine {
	s.collectorOnce.Do(s.registerCollector)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.Instrument(s.cfg.Name, s.log))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	if err := r.SetTrustedProxies([]string{"127.0.0.1", "::1"}); err != nil {
		s.log.Warn().Err(err).Msg("trusted proxies not set")
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  s.clk.Since(s.startedAt).String(),
			"service": s.cfg.Name,
			"version": version,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.Running() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":          s.Running(),
			"free_addresses": s.reg.Free(),
			"service":        s.cfg.Name,
			"version":        version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/devices", func(c *gin.Context) {
		list := s.reg.List()
		out := make([]deviceView, 0, len(list))
		for _, d := range list {
			out = append(out, viewDevice(d))
		}
		c.JSON(http.StatusOK, gin.H{"devices": out})
	})
	r.GET("/devices/:addr", func(c *gin.Context) {
		addr, ok := parseAddr(c)
		if !ok {
			return
		}
		d, found := s.reg.LookupAddress(addr)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": protocol.ErrUnknownDevice.Error()})
			return
		}
		c.JSON(http.StatusOK, viewDevice(d))
	})
	r.GET("/pending", func(c *gin.Context) {
		list := s.ses.Pending()
		out := make([]pendingView, 0, len(list))
		for _, p := range list {
			out = append(out, pendingView{
				Dst:       p.Dst.String(),
				Seq:       p.Seq,
				Type:      p.Type.String(),
				Attempts:  p.Attempts,
				QueuedAt:  p.QueuedAt,
				Deadline:  p.Deadline,
				LastError: p.LastError,
			})
		}
		c.JSON(http.StatusOK, gin.H{"pending": out, "stats": s.ses.Stats()})
	})

	// Commands reach the mesh, so they sit behind the admin token when one is set.
	cmd := r.Group("/", auth.Require(auth.ForToken(s.cfg.AdminToken)))
	cmd.POST("/discovery", func(c *gin.Context) {
		round, err := s.Discover(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"round": round})
	})
	cmd.POST("/devices/:addr/ping", func(c *gin.Context) {
		addr, ok := parseAddr(c)
		if !ok {
			return
		}
		seq, err := s.Ping(c.Request.Context(), addr)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"seq": seq})
	})
	cmd.POST("/devices/:addr/state", func(c *gin.Context) {
		addr, ok := parseAddr(c)
		if !ok {
			return
		}
		var req stateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		seq, err := s.SetState(c.Request.Context(), addr, req.Channel, req.On)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"seq": seq})
	})
	cmd.POST("/devices/:addr/reboot", func(c *gin.Context) {
		addr, ok := parseAddr(c)
		if !ok {
			return
		}
		seq, err := s.Reboot(c.Request.Context(), addr, 0)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"seq": seq})
	})
	return r
}

// registerCollector exports this service's session counters on the default
// registry. A second service with the same name keeps running without them.
func (s *Service) registerCollector() {
	err := prometheus.Register(s.collector)
	var dup prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
		s.collecting.Store(true)
	case errors.As(err, &dup):
		s.log.Warn().Msg("session metrics already exported under this service name")
	default:
		s.log.Error().Err(err).Msg("session metrics not exported")
	}
}

func parseAddr(c *gin.Context) (protocol.Address, bool) {
	v, err := strconv.ParseUint(c.Param("addr"), 0, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be 0..255, e.g. 0x10"})
		return 0, false
	}
	return protocol.Address(v), true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, discovery.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, protocol.ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrInvalidAddress), errors.Is(err, protocol.ErrInvalidPayload):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("admin api listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
