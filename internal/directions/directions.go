// Package directions computes routes between two places using a
// Nominatim geocoder and an OSRM router.
package directions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nugget/cortex-agent/internal/httpkit"
	"github.com/nugget/cortex-agent/internal/result"
)

// ErrNotFound is returned when a place cannot be geocoded or no route
// connects the two places.
var ErrNotFound = errors.New("no route found")

// maxSteps bounds the step list handed to the model.
const maxSteps = 20

// Client geocodes and routes.
type Client struct {
	geocodeURL string
	routeURL   string
	profile    string
	http       *http.Client
	logger     *slog.Logger
}

// New returns a Client. profile is the OSRM profile, such as "driving".
func New(geocodeURL, routeURL, profile string, hc *http.Client, logger *slog.Logger) *Client {
	if profile == "" {
		profile = "driving"
	}
	if hc == nil {
		hc = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		geocodeURL: geocodeURL,
		routeURL:   strings.TrimRight(routeURL, "/"),
		profile:    profile,
		http:       hc,
		logger:     logger,
	}
}

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Legs     []struct {
			Steps []osrmStep `json:"steps"`
		} `json:"legs"`
	} `json:"routes"`
}

type osrmStep struct {
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
	Maneuver struct {
		Type     string `json:"type"`
		Modifier string `json:"modifier"`
	} `json:"maneuver"`
}

// Route returns the fastest route from origin to destination.
func (c *Client) Route(ctx context.Context, origin, destination string) (result.Route, error) {
	from, err := c.geocode(ctx, origin)
	if err != nil {
		return result.Route{}, err
	}
	to, err := c.geocode(ctx, destination)
	if err != nil {
		return result.Route{}, err
	}

	u := fmt.Sprintf("%s/%s/%s,%s;%s,%s?overview=false&steps=true",
		c.routeURL, url.PathEscape(c.profile), from.Lon, from.Lat, to.Lon, to.Lat)
	var resp osrmResponse
	if err := httpkit.GetJSON(ctx, c.http, u, &resp); err != nil {
		var se *httpkit.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusBadRequest {
			return result.Route{}, fmt.Errorf("%w: %s", ErrNotFound, se.Body)
		}
		return result.Route{}, upstream("route", err)
	}
	if resp.Code != "Ok" || len(resp.Routes) == 0 {
		return result.Route{}, fmt.Errorf("%w: %s %s", ErrNotFound, resp.Code, resp.Message)
	}

	best := resp.Routes[0]
	route := result.Route{
		Origin:      shortName(from.DisplayName, origin),
		Destination: shortName(to.DisplayName, destination),
		DistanceKm:  round1(best.Distance / 1000),
		DurationMin: round1(best.Duration / 60),
		Steps:       []string{},
	}
	for _, leg := range best.Legs {
		for _, s := range leg.Steps {
			if len(route.Steps) == maxSteps {
				break
			}
			if text := describe(s); text != "" {
				route.Steps = append(route.Steps, text)
			}
		}
	}
	c.logger.Debug("route computed", "origin", route.Origin, "destination", route.Destination, "km", route.DistanceKm)
	return route, nil
}

func (c *Client) geocode(ctx context.Context, name string) (place, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return place{}, fmt.Errorf("%w: empty place name", ErrNotFound)
	}
	q := url.Values{"q": {name}, "format": {"json"}, "limit": {"1"}}
	var places []place
	if err := httpkit.GetJSON(ctx, c.http, c.geocodeURL+"?"+q.Encode(), &places); err != nil {
		return place{}, upstream("geocode", err)
	}
	if len(places) == 0 {
		return place{}, fmt.Errorf("%w: unknown place %q", ErrNotFound, name)
	}
	return places[0], nil
}

func upstream(step string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, httpkit.ErrUpstream) {
		return fmt.Errorf("%s: %w", step, err)
	}
	return fmt.Errorf("%s: %w: %w", step, httpkit.ErrUpstream, err)
}

// describe renders one OSRM step as an instruction.
func describe(s osrmStep) string {
	road := s.Name
	if road == "" {
		road = "the road"
	}
	dist := formatDistance(s.Distance)
	switch s.Maneuver.Type {
	case "depart":
		return fmt.Sprintf("Head out on %s", road)
	case "arrive":
		return "Arrive at destination"
	case "turn", "end of road", "fork", "on ramp", "off ramp":
		if s.Maneuver.Modifier != "" {
			return fmt.Sprintf("Turn %s onto %s, continue %s", s.Maneuver.Modifier, road, dist)
		}
		return fmt.Sprintf("Turn onto %s, continue %s", road, dist)
	case "roundabout", "rotary":
		return fmt.Sprintf("Take the roundabout onto %s", road)
	case "new name", "continue":
		return fmt.Sprintf("Continue on %s for %s", road, dist)
	default:
		if s.Distance == 0 {
			return ""
		}
		return fmt.Sprintf("Follow %s for %s", road, dist)
	}
}

func formatDistance(m float64) string {
	if m < 1000 {
		return strconv.Itoa(int(math.Round(m))) + " m"
	}
	return strconv.FormatFloat(round1(m/1000), 'f', 1, 64) + " km"
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// shortName keeps the first component of a Nominatim display name.
func shortName(display, fallback string) string {
	if display == "" {
		return fallback
	}
	return strings.TrimSpace(strings.SplitN(display, ",", 2)[0])
}

// Sample is the fallback route used when routing is unavailable.
func Sample(origin, destination string) result.Route {
	return result.Route{
		Origin:      origin,
		Destination: destination,
		DistanceKm:  12.4,
		DurationMin: 18,
		Steps: []string{
			"Head out on the main road",
			"Turn right onto the arterial, continue 6.2 km",
			"Take the roundabout onto the ring road",
			"Arrive at destination",
		},
		Example: true,
	}
}
