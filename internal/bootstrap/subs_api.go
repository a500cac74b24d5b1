package bootstrap

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	httpin "subs_server/adapter/in/http"
	"subs_server/config"
	"subs_server/pkg/apperr"
	"subs_server/pkg/logger"
)

// NewAPI builds the fiber app with all routes mounted.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "subwatch-api",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,

		// go-json is measurably faster than encoding/json
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: 1 * 1024 * 1024,

		// SSE needs streaming writes
		StreamRequestBody: true,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Admin-Token",
	}))

	// Health endpoints sit outside the API group
	healthHandler := httpin.NewHealthHandler(deps.DB, deps.Redis, deps.MongoDB)
	healthHandler.Register(app)

	api := app.Group("/api/v1")

	syncHandler := httpin.NewSyncHandler(
		deps.Orchestrator,
		deps.Jobs,
		deps.ProcessedRepo,
		deps.SubRepo,
		deps.Debouncer,
		deps.SQLDB,
		cfg.AdminToken,
		deps.Log,
	)
	syncHandler.Register(api)

	eventsHandler := httpin.NewEventsHandler(deps.Tracker, deps.Jobs, deps.Log)
	eventsHandler.Register(api)

	return app, cleanup, nil
}

// errorHandler converts unhandled errors into the standard envelope.
func errorHandler(c *fiber.Ctx, err error) error {
	if apperr.IsAppError(err) {
		appErr := apperr.AsAppError(err)
		return c.Status(appErr.Status).JSON(fiber.Map{
			"success": false,
			"error":   fiber.Map{"code": appErr.Code, "message": appErr.Message},
		})
	}

	code := fiber.StatusInternalServerError
	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   fiber.Map{"code": "INTERNAL_ERROR", "message": err.Error()},
	})
}
