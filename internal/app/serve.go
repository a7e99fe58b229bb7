package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"clusterproxy/pkg/logging"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Serve listens on the configured addresses and blocks until ctx ends.
func (s *Services) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.Settings.Proxy.ListenAddress, strconv.Itoa(s.Settings.Proxy.Port))
	routerLn, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	adminLn, err := net.Listen("tcp", s.Settings.Proxy.AdminAddress)
	if err != nil {
		routerLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.Settings.Proxy.AdminAddress, err)
	}
	return s.serveOn(ctx, routerLn, adminLn)
}

func (s *Services) serveOn(ctx context.Context, routerLn, adminLn net.Listener) error {
	tlsCert, err := s.Certs.TLSCertificate()
	if err != nil {
		routerLn.Close()
		adminLn.Close()
		return err
	}

	routerSrv := &http.Server{
		Handler:           s.Router,
		ReadHeaderTimeout: readHeaderTimeout,
		// WebSocket and SPDY upgrades need HTTP/1.1.
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
		ErrorLog:     log.New(logging.Writer("Router", logging.LevelDebug), "", 0),
	}
	adminSrv := &http.Server{
		Handler:           s.Admin,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          log.New(logging.Writer("Admin", logging.LevelDebug), "", 0),
	}
	tlsLn := tls.NewListener(routerLn, &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	})

	logging.Info("Bootstrap", "Cluster router listening on https://*.localhost:%d", routerLn.Addr().(*net.TCPAddr).Port)
	logging.Info("Bootstrap", "Admin API listening on http://%s", adminLn.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := routerSrv.Serve(tlsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("router server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := adminSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.Clusters.ActivateAll(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Bootstrap", "Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := routerSrv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Bootstrap", "Router shutdown: %v", err)
		}
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Bootstrap", "Admin shutdown: %v", err)
		}
		s.Shutdown()
		return nil
	})
	return g.Wait()
}

// Shutdown stops refresh loops, auth proxies and port forwards.
func (s *Services) Shutdown() {
	s.Clusters.Shutdown()
	s.Forwards.StopAll()
	s.Router.CloseIdleConnections()
	s.Gate.Dispose()
	s.Bus.Close()
	published, dropped := s.Bus.Stats()
	logging.Debug("Bootstrap", "Event bus published %d events, dropped %d deliveries", published, dropped)
}
