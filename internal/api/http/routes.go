package httpapi

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/agrometeo/metgo/internal/derive"
	"github.com/agrometeo/metgo/internal/query"
	"github.com/agrometeo/metgo/internal/store"
	"github.com/agrometeo/metgo/internal/weather"
)

// Deps carries everything the handlers read from. All of it is safe for
// concurrent use.
type Deps struct {
	Query    *query.Service
	Derive   *derive.Service
	Store    *store.Store
	Stations []weather.Station
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	v1 := app.Group("/api/v1")

	v1.Get("/stations", func(c *fiber.Ctx) error {
		stations, err := deps.Query.Stations()
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to list stations")
		}
		return c.JSON(fiber.Map{"stations": stations})
	})

	v1.Get("/observations/latest", func(c *fiber.Ctx) error {
		ids, err := stationIDs(c, deps.Stations)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		latest, err := deps.Query.Latest(ids)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch latest observations")
		}
		return c.JSON(fiber.Map{"latest": latest})
	})

	v1.Get("/observations/series", func(c *fiber.Ctx) error {
		var req seriesQuery
		if err := req.bind(c, deps.Stations); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		points, err := deps.Query.Series(req.Stations, req.From, req.To, req.Granularity)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch series")
		}
		return c.JSON(fiber.Map{
			"stations":    req.Stations,
			"from":        req.From,
			"to":          req.To,
			"granularity": req.Granularity,
			"points":      points,
		})
	})

	v1.Get("/indicators/:kind", func(c *fiber.Ctx) error {
		kind := c.Params("kind")
		st, err := stationByID(c.Query("station"), deps.Stations)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		ind, err := deps.Derive.Compute(c.Context(), st, kind)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(ind)
	})

	v1.Get("/status", func(c *fiber.Ctx) error {
		reports, err := deps.Store.LastReports()
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read ingestion log")
		}
		return c.JSON(fiber.Map{"reports": reports})
	})
}

// stationIDs resolves the comma-separated "stations" query parameter,
// defaulting to every declared station.
func stationIDs(c *fiber.Ctx, declared []weather.Station) ([]string, error) {
	raw := c.Query("stations")
	if raw == "" {
		ids := make([]string, 0, len(declared))
		for _, st := range declared {
			ids = append(ids, st.ID)
		}
		return ids, nil
	}

	ids := strings.Split(raw, ",")
	for _, id := range ids {
		if _, err := stationByID(id, declared); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func stationByID(id string, declared []weather.Station) (weather.Station, error) {
	if id == "" {
		return weather.Station{}, errors.New("station query parameter is required")
	}
	for _, st := range declared {
		if st.ID == id {
			return st, nil
		}
	}
	return weather.Station{}, errors.New("unknown station " + id)
}

// seriesQuery holds query parameters for the series endpoint.
type seriesQuery struct {
	Stations    []string
	From        time.Time
	To          time.Time
	Granularity query.Granularity
}

func (q *seriesQuery) bind(c *fiber.Ctx, declared []weather.Station) error {
	ids, err := stationIDs(c, declared)
	if err != nil {
		return err
	}
	q.Stations = ids

	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}
	if q.From, err = parseTime(fromStr); err != nil {
		return err
	}
	if q.To, err = parseTime(toStr); err != nil {
		return err
	}
	if q.To.Before(q.From) {
		return errors.New("to must not precede from")
	}

	g := c.Query("granularity")
	if g == "" {
		g = string(query.GranularityRaw)
	}
	if q.Granularity, err = query.ParseGranularity(g); err != nil {
		return err
	}
	return nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
