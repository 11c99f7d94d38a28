package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/config"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const checkTimeout = 5 * time.Second

func RegisterRoutes(e *echo.Echo, cfg config.MetricsConfig, checks map[string]Check) {
	e.GET("/health", healthHandler(checks))
	e.GET(cfg.Path, echo.WrapHandler(promhttp.Handler()))
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]Check) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
		defer cancel()

		res := healthResponse{Status: "ok", Checks: map[string]string{}}
		status := http.StatusOK
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				res.Checks[name] = err.Error()
				res.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			res.Checks[name] = "ok"
		}
		return c.JSON(status, res)
	}
}
