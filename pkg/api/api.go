// Package api exposes the state of a scale via a REST API
package api

import (
	"time"

	"github.com/fako1024/blescale/pkg/decoder"
	"github.com/fako1024/blescale/pkg/scale"
	"github.com/gofiber/fiber/v2"
)

// Host denotes a scale including the identity information published by the API
type Host interface {
	scale.Scale

	Address() string
	UniqueID() string
	Name() string
	Profile() decoder.DeviceProfile
	ConnectedFor() time.Duration
}

// Reading denotes the JSON representation of a weight reading
type Reading struct {
	Weight  float64 `json:"weight"`
	Unit    string  `json:"unit"`
	Symbol  string  `json:"symbol"`
	Stable  bool    `json:"stable"`
	Display string  `json:"display"`
}

// Status denotes the JSON representation of the connection status
type Status struct {
	Address       string     `json:"address"`
	UniqueID      string     `json:"unique_id"`
	Name          string     `json:"name"`
	Profile       string     `json:"profile"`
	Phase         string     `json:"phase"`
	Available     bool       `json:"available"`
	RetryDeadline *time.Time `json:"retry_deadline,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ConnectedFor  string     `json:"connected_for"`
}

// API denotes a REST API for a scale
type API struct {
	scale  Host
	router *fiber.App

	logger scale.Logger
}

// New instantiates a new API, executing functional options, if any
func New(s Host, options ...func(*API)) *API {

	api := &API{
		scale: s,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
		logger: &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(api)
	}

	// Setup routes
	api.router.Get("/reading", api.handleReading())
	api.router.Get("/status", api.handleStatus())
	api.router.Post("/connect", api.handleConnect())
	api.router.Post("/disconnect", api.handleDisconnect())

	return api
}

// Listen serves the API on the given endpoint (blocking)
func (api *API) Listen(endpoint string) error {
	api.logger.Infof("serving REST API on `%s`", endpoint)
	return api.router.Listen(endpoint)
}

// Shutdown gracefully stops the API
func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

////////////////////////////////////////////////////////////////////////////////

func (api *API) handleReading() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		reading, ok := api.scale.CurrentReading()
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no reading available")
		}

		return c.JSON(NewReading(reading))
	}
}

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		status := api.scale.Status()

		res := Status{
			Address:      api.scale.Address(),
			UniqueID:     api.scale.UniqueID(),
			Name:         api.scale.Name(),
			Profile:      api.scale.Profile().Name,
			Phase:        status.Phase.String(),
			Available:    status.Available,
			ConnectedFor: api.scale.ConnectedFor().Round(time.Second).String(),
		}
		if !status.RetryDeadline.IsZero() {
			deadline := status.RetryDeadline
			res.RetryDeadline = &deadline
		}
		if status.Error != nil {
			res.LastError = status.Error.Error()
		}

		return c.JSON(res)
	}
}

func (api *API) handleConnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.scale.EnsureConnected(c.UserContext()); err != nil {
			api.logger.Warnf("connection requested via API failed: %s", err)
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}

		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleDisconnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.scale.Disconnect(c.UserContext()); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		return c.SendStatus(fiber.StatusNoContent)
	}
}

// NewReading converts a weight reading into its JSON representation
func NewReading(r scale.WeightReading) Reading {
	return Reading{
		Weight:  r.Weight,
		Unit:    r.Unit.String(),
		Symbol:  r.Unit.Symbol(),
		Stable:  r.Stable,
		Display: r.Display(),
	}
}
