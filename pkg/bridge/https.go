package bridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/bytemux/bridge/pkg/logging"
)

// startHTTPS serves the bridge over TLS. With auto_cert set the certificate
// comes from Let's Encrypt, renewed through an HTTP challenge server that
// also redirects plain traffic; otherwise cert_file/key_file are used.
func (s *Server) startHTTPS(ctx context.Context) error {
	hc := s.cfg.HTTPS

	httpsAddr := fmt.Sprintf(":%d", hc.HTTPSPort)
	s.server = &http.Server{
		Addr:    httpsAddr,
		Handler: s.router,
	}

	var httpServer *http.Server
	if hc.AutoCert {
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hc.Domain),
			Cache:      autocert.DirCache(hc.CacheDir),
			Email:      hc.Email,
		}
		s.server.TLSConfig = &tls.Config{
			GetCertificate: manager.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpServer = &http.Server{
			Addr: fmt.Sprintf(":%d", hc.HTTPPort),
			Handler: manager.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				target := "https://" + r.Host + r.URL.RequestURI()
				http.Redirect(w, r, target, http.StatusMovedPermanently)
			})),
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.ComponentWarn(logging.ComponentBridge, "acme http server failed", zap.Error(err))
			}
		}()

		s.log.ComponentInfo(logging.ComponentBridge, "autocert configured",
			zap.String("domain", hc.Domain),
			zap.String("cache_dir", hc.CacheDir))
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.ComponentInfo(logging.ComponentBridge, "bridge listening with TLS",
			zap.String("addr", httpsAddr),
			zap.Bool("auto_cert", hc.AutoCert))

		var err error
		if hc.AutoCert {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServeTLS(hc.CertFile, hc.KeyFile)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	shutdownChallenge := func() {
		if httpServer == nil {
			return
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutCtx)
	}

	select {
	case err := <-errCh:
		shutdownChallenge()
		return err
	case <-ctx.Done():
		shutdownChallenge()
		return s.Shutdown()
	}
}
