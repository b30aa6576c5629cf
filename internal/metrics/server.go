package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Server exposes the /metrics scrape endpoint and /healthz liveness
// check over HTTP.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// NewServer builds the chi-routed metrics HTTP server with the /metrics and
// /healthz routes.
func NewServer(addr string, log zerolog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: r},
		log:        log.With().Str("component", "metrics_server").Logger(),
	}
}

// Start listens in the background until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()
}

// ProcessSampler periodically reports this process's CPU and RSS gauges
// via gopsutil, the same library the teacher depends on for host
// telemetry.
type ProcessSampler struct {
	reg      *Registry
	interval time.Duration
	proc     *process.Process
	log      zerolog.Logger
}

// NewProcessSampler constructs a sampler for the current process.
func NewProcessSampler(reg *Registry, interval time.Duration, log zerolog.Logger) (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(processPID()))
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{reg: reg, interval: interval, proc: proc, log: log.With().Str("component", "process_sampler").Logger()}, nil
}

// Run blocks, sampling at interval until ctx is cancelled.
func (s *ProcessSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *ProcessSampler) sample() {
	if cpuPct, err := s.proc.CPUPercent(); err == nil {
		s.reg.ProcessCPUPercent.Set(cpuPct)
	} else {
		s.log.Debug().Err(err).Msg("cpu percent sample failed")
	}

	if memInfo, err := s.proc.MemoryInfo(); err == nil && memInfo != nil {
		s.reg.ProcessRSSBytes.Set(float64(memInfo.RSS))
	} else if err != nil {
		s.log.Debug().Err(err).Msg("memory info sample failed")
	}
}
