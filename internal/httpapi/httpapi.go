// Package httpapi implements the HTTP surface of spec.md §6: game listing,
// CRUD, import/export, health, and the WS upgrade route. Adapted from the
// reference server's internal/server/http/handler.go (Fiber app
// construction, middleware chain, customErrorHandler, isValidUUID), with
// the command/processor dispatch replaced by direct calls into the
// Persistence Store for every REST route, reads and writes alike; only the
// /ws route reaches the State Synchronizer, through the Router.
package httpapi

import (
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"shogikifu/internal/analysis"
	"shogikifu/internal/apperr"
	"shogikifu/internal/codec"
	"shogikifu/internal/router"
	"shogikifu/internal/storage"
	"shogikifu/internal/tree"
)

var validate = validator.New()

// ImportRequest is the POST /api/import body.
type ImportRequest struct {
	Text  string `json:"text" validate:"required"`
	Title string `json:"title"`
}

// CreateGameRequest is the POST /api/games body. Empty bodies are valid:
// both fields are optional.
type CreateGameRequest struct {
	Title       string `json:"title"`
	InitialSFEN string `json:"initial_sfen"`
}

// UpdateGameRequest is the PUT /api/games/{id} body.
type UpdateGameRequest struct {
	Title string         `json:"title"`
	Meta  map[string]any `json:"meta"`
}

// Handler wires the HTTP surface to the Store, Router, and Coordinator.
// Game mutations that must be seen by a live session go through the
// Router's WS path into the Synchronizer; the plain REST routes here talk
// to the Store directly since nothing needs to observe them live.
type Handler struct {
	store    *storage.Store
	rtr      *router.Router
	coord    *analysis.Coordinator
	registry *codec.Registry
	gameID   func() string // returns the Synchronizer's current game id, for /healthz
}

// New builds a Handler.
func New(store *storage.Store, rtr *router.Router, coord *analysis.Coordinator, registry *codec.Registry, currentGameID func() string) *Handler {
	return &Handler{store: store, rtr: rtr, coord: coord, registry: registry, gameID: currentGameID}
}

// NewFiberApp builds the Fiber application with the full middleware chain
// and route table.
func NewFiberApp(h *Handler, devMode bool) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/healthz", h.Healthz)

	api := app.Group("/api")

	maxReq := 20
	if devMode {
		maxReq = 200
	}
	api.Use(limiter.New(limiter.Config{
		Max:        maxReq,
		Expiration: 1 * time.Second,
		KeyGenerator: func(c *fiber.Ctx) string { return c.IP() },
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(apperr.Response{
				Error: "rate limit exceeded", Code: string(apperr.Internal),
			})
		},
	}))

	api.Get("/games", h.ListGames)
	api.Post("/games", h.CreateGame)
	api.Get("/games/:id", h.GetGame)
	api.Put("/games/:id", h.UpdateGame)
	api.Delete("/games/:id", h.DeleteGame)
	api.Post("/import", h.Import)
	api.Get("/export/:id", h.Export)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(h.rtr.HandleConnection))

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	resp := apperr.Response{Error: "internal server error", Code: string(apperr.Internal)}

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		resp.Error = e.Message
		switch code {
		case fiber.StatusNotFound:
			resp.Code = string(apperr.NotFound)
		case fiber.StatusBadRequest:
			resp.Code = string(apperr.Malformed)
		}
	}
	return c.Status(code).JSON(resp)
}

func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.NotFound:
		return fiber.StatusNotFound
	case apperr.Malformed, apperr.UnsupportedFormat, apperr.UnknownNode, apperr.BadPermutation, apperr.InvalidMove:
		return fiber.StatusBadRequest
	case apperr.TooLarge:
		return fiber.StatusRequestEntityTooLarge
	default:
		return fiber.StatusInternalServerError
	}
}

func writeAppErr(c *fiber.Ctx, err error) error {
	resp := apperr.ToResponse(err)
	return c.Status(statusForKind(apperr.KindOf(err))).JSON(resp)
}

// Healthz reports liveness plus DB/engine reachability, matching
// original_source/api.py's {ok, db, engine, current_game_id}.
func (h *Handler) Healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"ok":              true,
		"db":              h.store.IsHealthy(),
		"engine":          h.coord.EngineStatus(),
		"current_game_id": h.gameID(),
	})
}

// ListGames returns a paginated summary list.
func (h *Handler) ListGames(c *fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "20"))
	if err != nil || limit <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(apperr.Response{Error: "invalid limit", Code: string(apperr.Malformed)})
	}
	if limit > 100 {
		limit = 100
	}
	offset, err := strconv.Atoi(c.Query("offset", "0"))
	if err != nil || offset < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(apperr.Response{Error: "invalid offset", Code: string(apperr.Malformed)})
	}

	items, total, err := h.store.ListGames(limit, offset)
	if err != nil {
		return writeAppErr(c, err)
	}
	return c.JSON(fiber.Map{"items": items, "total": total})
}

// CreateGame creates an empty game directly against the Store — a plain
// REST create, bypassing the Synchronizer since no live session needs to
// observe it.
func (h *Handler) CreateGame(c *fiber.Ctx) error {
	var req CreateGameRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(apperr.Response{Error: "invalid request body", Code: string(apperr.Malformed)})
		}
	}
	g, err := tree.New(req.Title, req.InitialSFEN)
	if err != nil {
		return writeAppErr(c, err)
	}
	if err := h.store.CreateGame(g); err != nil {
		return writeAppErr(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(g.GameID)
}

// GetGame returns the full tree for one game.
func (h *Handler) GetGame(c *fiber.Ctx) error {
	id := c.Params("id")
	if !isValidUUID(id) {
		return c.Status(fiber.StatusBadRequest).JSON(apperr.Response{Error: "invalid game id", Code: string(apperr.Malformed)})
	}
	g, err := h.store.GetGameWithTree(id)
	if err != nil {
		return writeAppErr(c, err)
	}
	wire, err := g.ToWire()
	if err != nil {
		return writeAppErr(c, err)
	}
	return c.JSON(wire)
}

// UpdateGame updates title/meta without touching the tree.
func (h *Handler) UpdateGame(c *fiber.Ctx) error {
	id := c.Params("id")
	if !isValidUUID(id) {
		return c.Status(fiber.StatusBadRequest).JSON(apperr.Response{Error: "invalid game id", Code: string(apperr.Malformed)})
	}
	var req UpdateGameRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(apperr.Response{Error: "invalid request body", Code: string(apperr.Malformed)})
	}
	g, err := h.store.GetGameWithTree(id)
	if err != nil {
		return writeAppErr(c, err)
	}
	if req.Title != "" {
		g.Title = req.Title
	}
	if req.Meta != nil {
		g.Meta = req.Meta
	}
	g.Touch()
	if err := h.store.PutGame(g); err != nil {
		return writeAppErr(c, err)
	}
	wire, err := g.ToWire()
	if err != nil {
		return writeAppErr(c, err)
	}
	return c.JSON(wire)
}

// DeleteGame removes a game.
func (h *Handler) DeleteGame(c *fiber.Ctx) error {
	id := c.Params("id")
	if !isValidUUID(id) {
		return c.Status(fiber.StatusBadRequest).JSON(apperr.Response{Error: "invalid game id", Code: string(apperr.Malformed)})
	}
	deleted, err := h.store.DeleteGame(id)
	if err != nil {
		return writeAppErr(c, err)
	}
	if !deleted {
		return c.Status(fiber.StatusNotFound).JSON(apperr.Response{Error: "game not found", Code: string(apperr.NotFound)})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

const maxImportBodyBytes = 2 * 1024 * 1024

// Import parses kifu text (auto-detecting format) into a new game.
func (h *Handler) Import(c *fiber.Ctx) error {
	if len(c.Body()) > maxImportBodyBytes {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(apperr.Response{Error: "import body too large", Code: string(apperr.TooLarge)})
	}
	var req ImportRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(apperr.Response{Error: "invalid request body", Code: string(apperr.Malformed)})
	}
	if errs := validate.Struct(&req); errs != nil {
		return c.Status(fiber.StatusBadRequest).JSON(apperr.Response{Error: "text is required", Code: string(apperr.Malformed)})
	}
	g, format, _, err := h.registry.Parse(req.Text, req.Title)
	if err != nil {
		return writeAppErr(c, err)
	}
	if err := h.store.CreateGame(g); err != nil {
		return writeAppErr(c, err)
	}
	return c.JSON(fiber.Map{"format": format, "game_id": g.GameID})
}

var exportExtensions = map[codec.Format]string{
	codec.FormatKIF:  "kif",
	codec.FormatKIF2: "kif2",
	codec.FormatUSI:  "usi",
}

// Export serves a kifu text rendering of one game, matching
// original_source/api.py's attachment response.
func (h *Handler) Export(c *fiber.Ctx) error {
	id := c.Params("id")
	if !isValidUUID(id) {
		return c.Status(fiber.StatusBadRequest).JSON(apperr.Response{Error: "invalid game id", Code: string(apperr.Malformed)})
	}
	format := codec.Format(c.Query("format", "usi"))
	ext, ok := exportExtensions[format]
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(apperr.Response{Error: "unsupported export format", Code: string(apperr.UnsupportedFormat)})
	}
	g, err := h.store.GetGameWithTree(id)
	if err != nil {
		return writeAppErr(c, err)
	}
	text, err := h.registry.Emit(format, g)
	if err != nil {
		return writeAppErr(c, err)
	}
	c.Set("Content-Disposition", `attachment; filename="`+id+"."+ext+`"`)
	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(text)
}
