package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
)

type EchoService struct {
	echo   *echo.Echo
	listen string
}

func NewEchoService(i do.Injector) (*EchoService, error) {
	listen := do.MustInvokeNamed[string](i, "listen")
	logger := do.MustInvoke[zerolog.Logger](i)

	return NewEcho(listen, logger), nil
}

func NewEcho(listen string, logger zerolog.Logger) *EchoService {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true

	httpLogger := logger.With().Str("component", "http").Logger()

	//nolint:exhaustruct
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			event := httpLogger.Debug()
			if v.Error != nil {
				event = httpLogger.Warn().Err(v.Error)
			}

			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")

			return nil
		},
	}))
	e.Use(middleware.Recover())

	return &EchoService{
		echo:   e,
		listen: listen,
	}
}

func (s *EchoService) Register(c func(e *echo.Echo)) {
	c(s.echo)
}

// Handler exposes the router so tests can mount it on an httptest server.
func (s *EchoService) Handler() http.Handler {
	return s.echo
}

func (s *EchoService) Start() error {
	err := s.echo.Start(s.listen)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start echo server: %w", err)
	}

	return nil
}

func (s *EchoService) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("failed to shutdown echo server: %w", err)
	}

	return nil
}
