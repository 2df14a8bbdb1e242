package httpservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ark-network/covclaim/internal/config"
	"github.com/ark-network/covclaim/internal/core/application"
	interfaces "github.com/ark-network/covclaim/internal/interface"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

type service struct {
	config    Config
	appConfig *config.Config
	appSvc    application.Service
	server    *http.Server
}

func NewService(
	svcConfig Config, appConfig *config.Config,
) (interfaces.Service, error) {
	if err := svcConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid service config: %s", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid app config: %s", err)
	}
	appSvc, err := appConfig.AppService()
	if err != nil {
		return nil, err
	}

	return &service{config: svcConfig, appConfig: appConfig, appSvc: appSvc}, nil
}

func (s *service) Start() error {
	if err := s.appSvc.Start(); err != nil {
		return fmt.Errorf("failed to start app service: %s", err)
	}
	log.Info("started app service")

	handler := newRouter(
		s.appSvc, s.appConfig.NetworkParams().Name,
		s.appConfig.MetricsRegistry(), s.config.RequestTimeout,
	)
	s.server = &http.Server{
		Addr:              s.config.address(),
		Handler:           handler,
		ReadHeaderTimeout: s.config.RequestTimeout,
	}

	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %s", s.server.Addr, err)
	}
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server stopped unexpectedly")
		}
	}()

	log.Infof("http server listening on %s", s.server.Addr)
	return nil
}

func (s *service) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("failed to shutdown http server")
		}
		log.Info("stopped http server")
	}

	s.appSvc.Stop()
	log.Info("stopped app service")
}
