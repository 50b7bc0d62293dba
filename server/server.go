package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/narrowlink/gateway/config"
)

// Daemon defines the contract for background components managed by the
// server's lifecycle (Start/Stop). certmanager.Manager satisfies this
// structurally.
type Daemon interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
}

// CertificateSource resolves the TLS server configuration to present for
// a ClientHello's SNI name. certmanager.Manager satisfies this.
type CertificateSource interface {
	Get(domain string) (*tls.Config, error)
}

// TLSChallengeSource resolves the TLS configuration to complete an ACME
// TLS-ALPN-01 validation handshake for a domain with an active
// challenge. certmanager.Manager satisfies this.
type TLSChallengeSource interface {
	GetACMETLSChallenge(domain string) (*tls.Config, error)
}

// acmeTLSProto is the ALPN protocol id ACME validators offer on a
// TLS-ALPN-01 validation connection (RFC 8737).
const acmeTLSProto = "acme-tls/1"

// Server runs the gateway's always-on HTTPS listener (certificates
// resolved per-connection via SNI), an optional plaintext HTTP-01/redirect
// listener, and the lifecycle of every registered Daemon.
type Server struct {
	configProvider *config.Provider
	handler        http.Handler
	certs          CertificateSource
	tlsChallenges  TLSChallengeSource
	logger         *slog.Logger
	daemons        []Daemon
	reload         func() error

	// exitFunc defaults to os.Exit; tests override it to observe the
	// exit code without killing the test process.
	exitFunc func(code int)
}

// NewServer constructs a Server. handler serves the plaintext ACME
// HTTP-01 side channel and any other unencrypted routes; tlsChallenges,
// if non-nil, answers acme-tls/1 validation handshakes on the HTTPS
// listener; reload is called on SIGHUP to re-read and swap the
// configuration.
func NewServer(provider *config.Provider, handler http.Handler, certs CertificateSource, tlsChallenges TLSChallengeSource, logger *slog.Logger, reload func() error) *Server {
	return &Server{
		configProvider: provider,
		handler:        handler,
		certs:          certs,
		tlsChallenges:  tlsChallenges,
		logger:         logger,
		reload:         reload,
		exitFunc:       os.Exit,
	}
}

// AddDaemon registers a daemon whose lifecycle this server manages.
func (s *Server) AddDaemon(daemon Daemon) {
	if daemon == nil {
		s.logger.Warn("attempted to add a nil daemon")
		return
	}
	s.logger.Info("adding daemon", "daemon_name", daemon.Name())
	s.daemons = append(s.daemons, daemon)
}

func (s *Server) redirectToHTTPS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverCfg := s.configProvider.Get().Server
		target := serverCfg.BaseURL() + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	}
}

func (s *Server) handleSIGHUP() {
	s.logger.Info("received SIGHUP, reloading configuration")
	if s.reload == nil {
		return
	}
	if err := s.reload(); err != nil {
		s.logger.Error("configuration reload failed", "error", err)
	}
}

// Run starts the HTTPS listener, the optional plaintext redirect
// listener, and every registered daemon; it blocks until a termination
// signal or a fatal startup error, then shuts everything down gracefully
// and calls exitFunc.
func (s *Server) Run() {
	serverCfg := s.configProvider.Get().Server
	s.logServerConfig(&serverCfg)

	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           s.handler,
		ReadTimeout:       serverCfg.ReadTimeout.Duration,
		ReadHeaderTimeout: serverCfg.ReadHeaderTimeout.Duration,
		WriteTimeout:      serverCfg.WriteTimeout.Duration,
		IdleTimeout:       serverCfg.IdleTimeout.Duration,
		TLSConfig:         s.newTLSConfig(),
	}

	var redirectServer *http.Server

	serverError := make(chan error, 2)
	go func() {
		s.logger.Info("starting HTTPS server", "addr", serverCfg.Addr)

		if serverCfg.RedirectAddr != "" {
			redirectServer = &http.Server{
				Addr:              serverCfg.RedirectAddr,
				Handler:           s.handler,
				ReadTimeout:       time.Second,
				ReadHeaderTimeout: time.Second,
				WriteTimeout:      time.Second,
				IdleTimeout:       time.Second,
			}
			go func() {
				s.logger.Info("starting HTTP redirect/challenge server", "addr", serverCfg.RedirectAddr)
				if err := redirectServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					serverError <- fmt.Errorf("redirect server error: %w", err)
				}
			}()
		}

		if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			s.logger.Error("https server error", "error", err)
			serverError <- err
		}
	}()

	s.logger.Info("starting daemons sequentially")
	var startupFailed bool
	for _, daemon := range s.daemons {
		s.logger.Info("starting daemon", "daemon_name", daemon.Name())
		if err := daemon.Start(); err != nil {
			s.logger.Error("failed to start daemon, initiating shutdown", "daemon_name", daemon.Name(), "error", err)
			serverError <- fmt.Errorf("daemon %q failed to start: %w", daemon.Name(), err)
			startupFailed = true
			break
		}
		s.logger.Info("daemon started", "daemon_name", daemon.Name())
	}
	if !startupFailed {
		s.logger.Info("all daemons started")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)

	running := true
	for running {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGINT, syscall.SIGQUIT:
				s.logger.Info("received termination signal, shutting down", "signal", sig)
				running = false
			case syscall.SIGHUP:
				s.handleSIGHUP()
			}
		case err := <-serverError:
			s.logger.Error("server error, initiating shutdown", "error", err)
			running = false
		}
	}

	signal.Stop(sigChan)
	close(sigChan)

	shutdownTimeout := s.configProvider.Get().Server.ShutdownGracefulTimeout.Duration
	gracefulCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownGroup, _ := errgroup.WithContext(gracefulCtx)

	shutdownGroup.Go(func() error {
		s.logger.Info("shutting down HTTPS server")
		return srv.Shutdown(gracefulCtx)
	})
	if redirectServer != nil {
		shutdownGroup.Go(func() error {
			s.logger.Info("shutting down redirect server")
			return redirectServer.Shutdown(gracefulCtx)
		})
	}
	for _, d := range s.daemons {
		daemon := d
		shutdownGroup.Go(func() error {
			s.logger.Info("stopping daemon", "daemon_name", daemon.Name())
			if err := daemon.Stop(gracefulCtx); err != nil {
				return fmt.Errorf("daemon %q failed to stop: %w", daemon.Name(), err)
			}
			return nil
		})
	}

	exitCode := 0
	if err := shutdownGroup.Wait(); err != nil {
		s.logger.Error("error during shutdown", "error", err)
		exitCode = 1
	}
	if startupFailed {
		exitCode = 1
	}

	s.logger.Info("all systems stopped", "exit_code", exitCode)
	s.exitFunc(exitCode)
}

func (s *Server) logServerConfig(cfg *config.Server) {
	s.logger.Info("server", "address", cfg.Addr, "protocol", "HTTPS")
	s.logger.Info("server", "read_timeout", cfg.ReadTimeout.Duration, "write_timeout", cfg.WriteTimeout.Duration, "idle_timeout", cfg.IdleTimeout.Duration)
	if cfg.RedirectAddr != "" {
		s.logger.Info("server", "redirect_addr", cfg.RedirectAddr)
	}
}

// newTLSConfig returns a tls.Config resolving a certificate per
// connection via GetCertificate, delegating to s.certs. ClientHellos
// offering acme-tls/1 are handed off wholesale to the TLS-ALPN-01 side
// channel via GetConfigForClient: an active challenge's configuration
// replaces this one for that connection, and a connection offering
// acme-tls/1 for a domain with no active challenge is aborted.
func (s *Server) newTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			if s.tlsChallenges == nil {
				return nil, nil
			}
			for _, proto := range hello.SupportedProtos {
				if proto == acmeTLSProto {
					return s.tlsChallenges.GetACMETLSChallenge(hello.ServerName)
				}
			}
			return nil, nil
		},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			serveCfg, err := s.certs.Get(hello.ServerName)
			if err != nil {
				return nil, err
			}
			if len(serveCfg.Certificates) == 0 {
				return nil, fmt.Errorf("server: no certificate configured for %q", hello.ServerName)
			}
			return &serveCfg.Certificates[0], nil
		},
	}
}
