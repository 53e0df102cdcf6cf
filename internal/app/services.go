package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"huddle/internal/router"
)

// httpService runs the HTTP server under the supervisor. A restart binds a
// fresh listener.
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
	addr            atomic.Value
	log             zerolog.Logger
}

func newHTTPService(server *http.Server, shutdownTimeout time.Duration, log zerolog.Logger) *httpService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &httpService{server: server, shutdownTimeout: shutdownTimeout, log: log}
}

func (h *httpService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.addr.Store(ln.Addr().String())
	h.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// Addr is the bound address, empty until the listener is up.
func (h *httpService) Addr() string {
	s, _ := h.addr.Load().(string)
	return s
}

func (h *httpService) String() string { return "http-server" }

// sweeper is what the maintenance service drives.
type sweeper interface {
	Sweep(bucketIdle time.Duration) router.SweepResult
}

// maintenanceService periodically drops idle rate buckets, expired
// tombstones and expired offline entries.
type maintenanceService struct {
	target     sweeper
	interval   time.Duration
	bucketIdle time.Duration
}

func (m *maintenanceService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.target.Sweep(m.bucketIdle)
		}
	}
}

func (m *maintenanceService) String() string { return "maintenance" }
