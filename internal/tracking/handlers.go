package tracking

import (
	"errors"
	"strconv"

	"backend-routetrack/internal/geocode"
	"backend-routetrack/internal/route"
	"backend-routetrack/internal/source"

	"github.com/gofiber/fiber/v2"
)

type sampleRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp int64    `json:"timestamp"`
}

// RegisterRoutes mounts the tracking API. feed may be nil when positions come
// from another source, in which case sample ingest is not offered.
func RegisterRoutes(r fiber.Router, ctrl *Controller, feed *source.Feed, authMiddleware fiber.Handler) {
	r.Get("/state", func(c *fiber.Ctx) error {
		return c.JSON(ctrl.Current())
	})

	r.Post("/start", authMiddleware, func(c *fiber.Ctx) error {
		return stateResponse(c, ctrl.Start(), fiber.StatusServiceUnavailable)
	})

	r.Post("/stop", authMiddleware, func(c *fiber.Ctx) error {
		return c.JSON(ctrl.Stop())
	})

	r.Delete("/route", authMiddleware, func(c *fiber.Ctx) error {
		return stateResponse(c, ctrl.ClearRoute(c.UserContext()), fiber.StatusInternalServerError)
	})

	r.Get("/points", func(c *fiber.Ctx) error {
		points, err := ctrl.StoredPoints(c.UserContext())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"points": points, "count": len(points)})
	})

	r.Get("/address", func(c *fiber.Ctx) error {
		lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
		lon, errLon := strconv.ParseFloat(c.Query("lon"), 64)
		if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return fiber.NewError(fiber.StatusBadRequest, "lat and lon required")
		}
		address, err := ctrl.ResolveAddress(c.UserContext(), lat, lon)
		switch {
		case errors.Is(err, geocode.ErrNotFound):
			return fiber.NewError(fiber.StatusNotFound, "no address for coordinate")
		case err != nil:
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(fiber.Map{"latitude": lat, "longitude": lon, "address": address})
	})

	r.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(ctrl.Stats())
	})

	if feed == nil {
		return
	}
	r.Post("/samples", authMiddleware, func(c *fiber.Ctx) error {
		var req sampleRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.Latitude == nil || req.Longitude == nil {
			return fiber.NewError(fiber.StatusBadRequest, "latitude and longitude required")
		}
		if *req.Latitude < -90 || *req.Latitude > 90 || *req.Longitude < -180 || *req.Longitude > 180 {
			return fiber.NewError(fiber.StatusBadRequest, "coordinate out of range")
		}
		err := feed.Publish(c.UserContext(), route.LocationPoint{
			Latitude:  *req.Latitude,
			Longitude: *req.Longitude,
			Timestamp: req.Timestamp,
		})
		if errors.Is(err, source.ErrNoSubscriber) {
			return fiber.NewError(fiber.StatusConflict, "tracking not started")
		}
		if err != nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}
		return c.SendStatus(fiber.StatusAccepted)
	})
}

func stateResponse(c *fiber.Ctx, s State, failure int) error {
	if s.Kind == KindError {
		return c.Status(failure).JSON(s)
	}
	return c.JSON(s)
}
