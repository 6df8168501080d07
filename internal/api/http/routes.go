package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/airfield-wx/internal/cache"
	"github.com/i474232898/airfield-wx/internal/notam"
	"github.com/i474232898/airfield-wx/internal/weather"
)

var validate = validator.New()

// Service is what the handlers need from the cache controller.
type Service interface {
	Sites() []weather.Site
	Get(ctx context.Context, siteID string) (cache.Result, error)
	GetNotices(ctx context.Context, siteID string) (notam.Result, error)
	Sources(ctx context.Context, siteID string) ([]cache.SourceReport, error)
}

// Options configure NewApp.
type Options struct {
	AppName      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// AccessLog enables the request logger middleware.
	AccessLog bool
}

// NewApp builds the Fiber app with middleware, health and API routes.
func NewApp(svc Service, opts Options) *fiber.App {
	if opts.AppName == "" {
		opts.AppName = "airfield-wx"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	app := fiber.New(fiber.Config{
		AppName:               opts.AppName,
		DisableStartupMessage: true,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	if opts.AccessLog {
		app.Use(logger.New())
	}
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": opts.AppName,
		})
	})
	if opts.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	RegisterRoutes(app, svc)
	return app
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, svc Service) {
	v1 := app.Group("/api/v1")

	v1.Get("/sites", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"sites": svc.Sites()})
	})

	v1.Get("/sites/:id/weather", func(c *fiber.Ctx) error {
		id, err := siteID(c)
		if err != nil {
			return err
		}
		res, err := svc.Get(c.UserContext(), id)
		if err != nil {
			return mapError(err)
		}
		c.Set("X-Cache", res.State)
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.JSON(res)
	})

	v1.Get("/sites/:id/notams", func(c *fiber.Ctx) error {
		id, err := siteID(c)
		if err != nil {
			return err
		}
		res, err := svc.GetNotices(c.UserContext(), id)
		if err != nil {
			return mapError(err)
		}
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.JSON(res)
	})

	v1.Get("/sites/:id/sources", func(c *fiber.Ctx) error {
		id, err := siteID(c)
		if err != nil {
			return err
		}
		reports, err := svc.Sources(c.UserContext(), id)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(fiber.Map{"site_id": id, "sources": reports})
	})
}

// siteParam is the validated :id path parameter.
type siteParam struct {
	ID string `validate:"required,max=32,hostname_rfc1123"`
}

func siteID(c *fiber.Ctx) (string, error) {
	p := siteParam{ID: c.Params("id")}
	if err := validate.Struct(p); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "invalid site id")
	}
	return p.ID, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, cache.ErrUnknownSite):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, cache.ErrUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to load site data")
	}
}
