// Package weather looks up current conditions through the Open-Meteo
// geocoding and forecast APIs. Neither needs credentials.
package weather

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nugget/cortex-agent/internal/httpkit"
	"github.com/nugget/cortex-agent/internal/result"
)

// ErrUnknownLocation is returned when the geocoder has no match.
var ErrUnknownLocation = errors.New("unknown location")

// Client resolves a place name and fetches its current conditions.
type Client struct {
	geocodeURL  string
	forecastURL string
	http        *http.Client
	logger      *slog.Logger
}

// New returns a Client using hc for both upstream APIs.
func New(geocodeURL, forecastURL string, hc *http.Client, logger *slog.Logger) *Client {
	if hc == nil {
		hc = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{geocodeURL: geocodeURL, forecastURL: forecastURL, http: hc, logger: logger}
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Country   string  `json:"country"`
		Admin1    string  `json:"admin1"`
	} `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WeatherCode int     `json:"weather_code"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
}

// Current returns conditions for location. Temperature is Celsius and
// wind speed km/h.
func (c *Client) Current(ctx context.Context, location string) (result.Weather, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return result.Weather{}, fmt.Errorf("%w: empty name", ErrUnknownLocation)
	}

	var geo geocodeResponse
	q := url.Values{"name": {location}, "count": {"1"}, "format": {"json"}}
	if err := httpkit.GetJSON(ctx, c.http, c.geocodeURL+"?"+q.Encode(), &geo); err != nil {
		return result.Weather{}, upstream("geocode", err)
	}
	if len(geo.Results) == 0 {
		return result.Weather{}, fmt.Errorf("%w: %q", ErrUnknownLocation, location)
	}
	place := geo.Results[0]

	var fc forecastResponse
	q = url.Values{
		"latitude":  {strconv.FormatFloat(place.Latitude, 'f', 4, 64)},
		"longitude": {strconv.FormatFloat(place.Longitude, 'f', 4, 64)},
		"current":   {"temperature_2m,relative_humidity_2m,weather_code,wind_speed_10m"},
	}
	if err := httpkit.GetJSON(ctx, c.http, c.forecastURL+"?"+q.Encode(), &fc); err != nil {
		return result.Weather{}, upstream("forecast", err)
	}

	name := place.Name
	for _, part := range []string{place.Admin1, place.Country} {
		if part != "" && part != place.Name {
			name += ", " + part
		}
	}
	c.logger.Debug("weather fetched", "location", name, "code", fc.Current.WeatherCode)
	return result.Weather{
		Location:    name,
		Temperature: fc.Current.Temperature,
		Condition:   Condition(fc.Current.WeatherCode),
		Humidity:    int(math.Round(fc.Current.Humidity)),
		WindSpeed:   fc.Current.WindSpeed,
	}, nil
}

// upstream tags transport errors so callers can fall back.
func upstream(step string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, httpkit.ErrUpstream) {
		return fmt.Errorf("%s: %w", step, err)
	}
	return fmt.Errorf("%s: %w: %w", step, httpkit.ErrUpstream, err)
}

// Condition maps a WMO weather interpretation code to a short label.
func Condition(code int) string {
	switch {
	case code == 0:
		return "Clear"
	case code <= 2:
		return "Partly cloudy"
	case code == 3:
		return "Cloudy"
	case code == 45 || code == 48:
		return "Fog"
	case code >= 51 && code <= 57:
		return "Drizzle"
	case code >= 61 && code <= 67, code >= 80 && code <= 82:
		return "Rainy"
	case code >= 71 && code <= 77, code == 85 || code == 86:
		return "Snowy"
	case code >= 95:
		return "Thunderstorm"
	default:
		return "Unknown"
	}
}

var sampleConditions = []string{"Sunny", "Cloudy", "Rainy", "Snowy"}

// Sample returns stable made-up conditions for location, so repeated
// fallbacks for the same place agree with each other.
func Sample(location string) result.Weather {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(location))))
	sum := h.Sum32()
	return result.Weather{
		Location:    location,
		Temperature: float64(int(sum%50) - 10),
		Condition:   sampleConditions[(sum>>8)%uint32(len(sampleConditions))],
		Humidity:    int((sum >> 16) % 100),
		Example:     true,
	}
}
