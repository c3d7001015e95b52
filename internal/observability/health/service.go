package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"plantpal/internal/poller"
	rtsup "plantpal/internal/runtime/supervisor"
	logx "plantpal/pkg/logx"
)

func init() { gin.SetMode(gin.ReleaseMode) }

// Config controls the health HTTP server.
type Config struct {
	Enabled bool
	Addr    string
	// Pprof mounts /debug/pprof. It is refused on non-loopback addresses.
	Pprof bool
	// StaleAfter marks the loop unhealthy when no cycle has completed for
	// this long; 0 disables the check.
	StaleAfter time.Duration
}

// LoopProbe reports the Scheduler Loop state.
type LoopProbe interface {
	Status() poller.Status
}

// Deps are the sources the endpoints read from. Metrics and Procs are
// optional.
type Deps struct {
	Loop    LoopProbe
	Metrics http.Handler
	// Procs reports supervised goroutines.
	Procs func() []rtsup.ProcStats
}

// Service runs the health server under its own supervisor so a failed
// listener restarts without touching the poll loop.
type Service struct {
	deps    Deps
	log     logx.Logger
	started time.Time

	mu       sync.Mutex
	cfg      Config
	srv      *http.Server
	addr     string
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log, started: time.Now()}
}

// Addr returns the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg and starts, stops or restarts the server.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev.Addr != cfg.Addr || prev.Pprof != cfg.Pprof:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		// Detached from ctx: the server outlives the start call.
		s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("health.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.sup, s.addr, s.stopDone = nil, nil, "", nil
		s.mu.Unlock()
		s.log.Info("health server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = ":4000"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:           s.router(cfg, addr),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("health server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.addr = ""
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("health server exited unexpectedly")
	}
	return err
}

// Handler returns the router for cfg without starting a listener.
func (s *Service) Handler(cfg Config) http.Handler {
	return s.router(cfg, cfg.Addr)
}

func (s *Service) router(cfg Config, addr string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		rep := s.report(cfg)
		code := http.StatusOK
		if rep.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, rep)
	})
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if cfg.Pprof {
		if isLoopbackAddr(addr) {
			mountPprof(r.Group("/debug/pprof"))
		} else {
			s.log.Warn("pprof not mounted: health addr is not loopback", logx.String("addr", addr))
		}
	}
	return r
}

// Report is the /health body.
type Report struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Loop   *poller.Status    `json:"loop,omitempty"`
	Stale  bool              `json:"stale,omitempty"`
	Procs  []rtsup.ProcStats `json:"procs,omitempty"`
}

func (s *Service) report(cfg Config) Report {
	rep := Report{Status: "ok", Uptime: time.Since(s.started).Round(time.Second).String()}
	if s.deps.Loop != nil {
		st := s.deps.Loop.Status()
		rep.Loop = &st
		if !st.Alive {
			rep.Status = "stopped"
		}
		if cfg.StaleAfter > 0 && st.Alive {
			last := st.LastCycleAt
			if last.IsZero() {
				last = s.started
			}
			if time.Since(last) > cfg.StaleAfter {
				rep.Stale = true
				rep.Status = "stale"
			}
		}
	}
	if s.deps.Procs != nil {
		rep.Procs = s.deps.Procs()
	}
	return rep
}

func mountPprof(g *gin.RouterGroup) {
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	g.GET("/:profile", func(c *gin.Context) {
		hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
