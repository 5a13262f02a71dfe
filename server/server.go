// Package server exposes health, metrics and the payment webhook over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	yookassa "github.com/Asort97/happycat-vpn/clients/yooKassa"
	vpnerrors "github.com/Asort97/happycat-vpn/errors"
	"github.com/Asort97/happycat-vpn/issuer"
)

const shutdownTimeout = 10 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type Activator interface {
	RequestPurchaseActivation(ctx context.Context, subscriberID, paymentID string) (*issuer.Issued, error)
}

// DeliverFunc hands a credential activated by a webhook to the subscriber.
type DeliverFunc func(ctx context.Context, subscriberID string, issued *issuer.Issued)

type Server struct {
	addr      string
	store     Pinger
	activator Activator
	deliver   DeliverFunc
	router    *gin.Engine
}

func New(addr string, store Pinger, activator Activator, deliver DeliverFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:      addr,
		store:     store,
		activator: activator,
		deliver:   deliver,
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery(), requestLogger())
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.POST("/webhooks/yookassa", s.yookassaWebhook)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// yookassaWebhook applies a payment.succeeded notification. The body is only
// a hint: the payment is confirmed against the API before anything is issued.
// Final outcomes answer 200 so the provider stops retrying; operational
// failures answer 500 so it retries later.
func (s *Server) yookassaWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	n, err := yookassa.ParseNotification(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logger := log.With().Str("payment_id", n.Object.ID).Str("event", n.Event).Logger()
	if n.Event != yookassa.EventPaymentSucceeded {
		logger.Debug().Msg("Webhook event ignored")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	subscriberID := n.Object.Metadata["chat_id"]
	if subscriberID == "" {
		logger.Warn().Msg("Webhook payment without subscriber")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	issued, err := s.activator.RequestPurchaseActivation(c.Request.Context(), subscriberID, n.Object.ID)
	if err != nil {
		if vpnerrors.IsRetryable(err) || vpnerrors.KindOf(err) == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"status": "retry"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "reason": string(vpnerrors.KindOf(err))})
		return
	}

	if s.deliver != nil {
		s.deliver(context.WithoutCancel(c.Request.Context()), subscriberID, issued)
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied", "credential_id": issued.Credential.ID})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	}
}
