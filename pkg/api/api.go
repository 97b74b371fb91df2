// Package api exposes the engine over HTTP.
//
// Routes live under /api/v1. Errors are returned as {"error": "..."}
// with 400 for invalid input, 404 for unknown resources and 409 for
// illegal lifecycle transitions and schema incompatibilities.
package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/config"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/deadletter"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/engine"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/schema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is the HTTP front of one engine.
type Server struct {
	engine *engine.Engine
	app    *fiber.App
	logger *zap.Logger
}

// New builds the fiber app and registers every route.
func New(e *engine.Engine, logger *zap.Logger) *Server {
	s := &Server{engine: e, logger: logging.OrNop(logger).Named("api")}
	s.app = fiber.New(fiber.Config{
		AppName:               "schemaflow",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
		Immutable:             true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})
	s.app.Use(recover.New())
	s.app.Use(s.accessLog)
	s.routes()
	return s
}

// App returns the fiber app, for tests and embedding.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("api listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "timestamp": time.Now().UTC()})
	})

	api := s.app.Group("/api/v1")

	p := api.Group("/pipelines")
	p.Post("/", s.createPipeline)
	p.Get("/", s.listPipelines)
	p.Get("/:id", s.getPipeline)
	p.Delete("/:id", s.deletePipeline)
	p.Post("/:id/start", s.lifecycle(s.engine.Start))
	p.Post("/:id/pause", s.lifecycle(s.engine.Pause))
	p.Post("/:id/stop", s.lifecycle(s.engine.Stop))
	p.Post("/:id/repair", s.lifecycle(s.engine.Repair))
	p.Post("/:id/trigger", s.trigger)
	p.Get("/:id/status", s.pipelineStatus)
	p.Get("/:id/metrics", s.pipelineMetrics)
	p.Get("/:id/export", s.exportPipeline)
	p.Get("/:id/deadletters", s.listDeadLetters)
	p.Get("/:id/deadletters/:eventId", s.getDeadLetter)
	p.Post("/:id/deadletters/:eventId/replay", s.replayDeadLetter)
	p.Delete("/:id/deadletters/:eventId", s.deleteDeadLetter)

	sc := api.Group("/schemas")
	sc.Post("/", s.registerSchema)
	sc.Get("/", s.listSchemas)
	sc.Post("/transform", s.transformData)
	sc.Get("/:id", s.getSchema)
	sc.Get("/:id/versions", s.schemaVersions)
	sc.Post("/:id/validate", s.validateData)
	sc.Get("/:id/lineage", s.lineage)
	sc.Get("/:id/docs", s.documentation)

	api.Get("/alerts", s.alerts)
	api.Get("/metrics", func(c *fiber.Ctx) error {
		return c.JSON(s.engine.Snapshot())
	})
}

// ═══════════════════════════════════════════
// Errors and logging
// ═══════════════════════════════════════════

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusOf(err error) int {
	var (
		fe *fiber.Error
		de *schema.DefinitionError
		ve *schema.ValidationError
		ce *schema.CompatibilityError
	)
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, schema.ErrNotFound),
		errors.Is(err, deadletter.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, engine.ErrIllegalTransition),
		errors.Is(err, engine.ErrNotRunning),
		errors.As(err, &ce):
		return fiber.StatusConflict
	case errors.Is(err, config.ErrInvalidDefinition),
		errors.As(err, &de),
		errors.As(err, &ve):
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("duration", time.Since(start)),
	)
	return err
}

func badRequest(msg string) error { return fiber.NewError(fiber.StatusBadRequest, msg) }

// ═══════════════════════════════════════════
// Pipelines
// ═══════════════════════════════════════════

func (s *Server) createPipeline(c *fiber.Ctx) error {
	var def v1.PipelineDefinition
	if err := c.BodyParser(&def); err != nil {
		return badRequest("invalid pipeline definition: " + err.Error())
	}
	created, err := s.engine.Create(c.UserContext(), def)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) listPipelines(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"pipelines": s.engine.List(c.UserContext())})
}

func (s *Server) getPipeline(c *fiber.Ctx) error {
	def, err := s.engine.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(def)
}

func (s *Server) deletePipeline(c *fiber.Ctx) error {
	if err := s.engine.Delete(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) lifecycle(op func(context.Context, string) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if err := op(c.UserContext(), id); err != nil {
			return err
		}
		def, err := s.engine.Get(c.UserContext(), id)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"pipelineId": id, "state": def.State})
	}
}

type triggerRequest struct {
	EventID      string            `json:"eventId"`
	PartitionKey string            `json:"partitionKey"`
	Operation    v1.Operation      `json:"operation"`
	Metadata     map[string]string `json:"metadata"`
	Payload      map[string]any    `json:"payload"`
}

func (s *Server) trigger(c *fiber.Ctx) error {
	var req triggerRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid trigger body: " + err.Error())
	}
	if req.Operation != "" {
		switch req.Operation {
		case v1.OpCreate, v1.OpUpdate, v1.OpDelete:
		default:
			return badRequest("operation must be create, update or delete")
		}
	}
	eventID, err := s.engine.ManualTrigger(c.UserContext(), c.Params("id"), req.Payload, engine.TriggerOptions{
		EventID:      req.EventID,
		PartitionKey: req.PartitionKey,
		Operation:    req.Operation,
		Metadata:     req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"eventId": eventID})
}

func (s *Server) pipelineStatus(c *fiber.Ctx) error {
	st, err := s.engine.GetStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

// pipelineMetrics accepts from/to as RFC 3339 timestamps or as
// durations back from now ("1h", "7d").
func (s *Server) pipelineMetrics(c *fiber.Ctx) error {
	now := time.Now().UTC()
	from, err := parseTime(c.Query("from"), now)
	if err != nil {
		return badRequest("from: " + err.Error())
	}
	to, err := parseTime(c.Query("to"), now)
	if err != nil {
		return badRequest("to: " + err.Error())
	}
	m, err := s.engine.GetMetrics(c.UserContext(), c.Params("id"), from, to)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return err
		}
		return badRequest(err.Error())
	}
	return c.JSON(m)
}

func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := config.ParseDuration(s)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d), nil
}

func (s *Server) exportPipeline(c *fiber.Ctx) error {
	exp, err := s.engine.ExportConfiguration(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(exp)
}

// ═══════════════════════════════════════════
// Dead letters and alerts
// ═══════════════════════════════════════════

func (s *Server) listDeadLetters(c *fiber.Ctx) error {
	records, err := s.engine.DeadLetters(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if records == nil {
		records = []v1.DeadLetterRecord{}
	}
	return c.JSON(fiber.Map{"deadLetters": records, "count": len(records)})
}

func (s *Server) getDeadLetter(c *fiber.Ctx) error {
	rec, err := s.engine.DeadLetter(c.UserContext(), c.Params("id"), c.Params("eventId"))
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

func (s *Server) replayDeadLetter(c *fiber.Ctx) error {
	ev, err := s.engine.ReplayDeadLetter(c.UserContext(), c.Params("id"), c.Params("eventId"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"eventId": ev.ID})
}

func (s *Server) deleteDeadLetter(c *fiber.Ctx) error {
	if err := s.engine.DeleteDeadLetter(c.UserContext(), c.Params("id"), c.Params("eventId")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) alerts(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	return c.JSON(fiber.Map{"alerts": s.engine.Alerts(c.Query("pipelineId"), limit)})
}

// ═══════════════════════════════════════════
// Schemas
// ═══════════════════════════════════════════

func (s *Server) registry() (*schema.Registry, error) {
	reg := s.engine.Registry()
	if reg == nil {
		return nil, fiber.NewError(fiber.StatusServiceUnavailable, "schema registry not configured")
	}
	return reg, nil
}

func (s *Server) registerSchema(c *fiber.Ctx) error {
	reg, err := s.registry()
	if err != nil {
		return err
	}
	var sc v1.Schema
	if err := c.BodyParser(&sc); err != nil {
		return badRequest("invalid schema: " + err.Error())
	}
	res, err := reg.Register(c.UserContext(), sc)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) listSchemas(c *fiber.Ctx) error {
	reg, err := s.registry()
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"schemas": reg.List(c.UserContext())})
}

func (s *Server) getSchema(c *fiber.Ctx) error {
	reg, err := s.registry()
	if err != nil {
		return err
	}
	version, err := versionQuery(c)
	if err != nil {
		return err
	}
	sc, err := reg.Get(c.UserContext(), c.Params("id"), version)
	if err != nil {
		return err
	}
	return c.JSON(sc)
}

func (s *Server) schemaVersions(c *fiber.Ctx) error {
	reg, err := s.registry()
	if err != nil {
		return err
	}
	versions, err := reg.Versions(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"schemaId": c.Params("id"), "versions": versions})
}

// validateData always answers 200 for a known schema: the verdict is
// in the body.
func (s *Server) validateData(c *fiber.Ctx) error {
	reg, err := s.registry()
	if err != nil {
		return err
	}
	version, err := versionQuery(c)
	if err != nil {
		return err
	}
	var payload map[string]any
	if err := c.BodyParser(&payload); err != nil {
		return badRequest("invalid payload: " + err.Error())
	}
	res, err := reg.ValidateVersion(c.UserContext(), c.Params("id"), version, payload)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

type transformRequest struct {
	SourceSchemaID string                  `json:"sourceSchemaId"`
	TargetSchemaID string                  `json:"targetSchemaId"`
	Payload        map[string]any          `json:"payload"`
	Options        schema.TransformOptions `json:"options"`
}

func (s *Server) transformData(c *fiber.Ctx) error {
	reg, err := s.registry()
	if err != nil {
		return err
	}
	var req transformRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid transform body: " + err.Error())
	}
	if req.SourceSchemaID == "" || req.TargetSchemaID == "" {
		return badRequest("sourceSchemaId and targetSchemaId are required")
	}
	res, err := reg.Transform(c.UserContext(), req.SourceSchemaID, req.TargetSchemaID, req.Payload, req.Options)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) lineage(c *fiber.Ctx) error {
	reg, err := s.registry()
	if err != nil {
		return err
	}
	lin, err := reg.GetLineage(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(lin)
}

func (s *Server) documentation(c *fiber.Ctx) error {
	reg, err := s.registry()
	if err != nil {
		return err
	}
	doc, err := reg.ExportDocumentation(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if c.Query("format") == "markdown" {
		c.Set(fiber.HeaderContentType, "text/markdown; charset=utf-8")
		return c.SendString(doc.Markdown)
	}
	return c.JSON(doc)
}

func versionQuery(c *fiber.Ctx) (int, error) {
	raw := c.Query("version")
	if raw == "" || raw == "latest" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, badRequest("version must be a positive integer")
	}
	return v, nil
}
