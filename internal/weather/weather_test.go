package weather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/cortex-agent/internal/httpkit"
)

func newUpstream(t *testing.T, geocode string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/geocode", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "" {
			t.Error("geocode without name")
		}
		w.Write([]byte(geocode))
	})
	mux.HandleFunc("/forecast", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("latitude") != "52.5200" {
			t.Errorf("latitude = %q", r.URL.Query().Get("latitude"))
		}
		w.Write([]byte(`{"current":{"temperature_2m":17.4,"relative_humidity_2m":61.6,"weather_code":63,"wind_speed_10m":12.1}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCurrent(t *testing.T) {
	srv := newUpstream(t, `{"results":[{"name":"Berlin","latitude":52.52,"longitude":13.405,"country":"Germany","admin1":"Land Berlin"}]}`)
	c := New(srv.URL+"/geocode", srv.URL+"/forecast", srv.Client(), nil)

	w, err := c.Current(context.Background(), "berlin")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if w.Location != "Berlin, Land Berlin, Germany" {
		t.Errorf("location = %q", w.Location)
	}
	if w.Temperature != 17.4 || w.Humidity != 62 || w.Condition != "Rainy" || w.Example {
		t.Errorf("weather = %+v", w)
	}
}

func TestCurrentUnknownLocation(t *testing.T) {
	srv := newUpstream(t, `{}`)
	c := New(srv.URL+"/geocode", srv.URL+"/forecast", srv.Client(), nil)

	_, err := c.Current(context.Background(), "Atlantis")
	if !errors.Is(err, ErrUnknownLocation) {
		t.Fatalf("err = %v, want ErrUnknownLocation", err)
	}
	if errors.Is(err, httpkit.ErrUpstream) {
		t.Error("unknown location must not look like an upstream failure")
	}
}

func TestCurrentUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(base+"/geocode", base+"/forecast", nil, nil)
	if _, err := c.Current(context.Background(), "Paris"); !errors.Is(err, httpkit.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
}

func TestCondition(t *testing.T) {
	tests := map[int]string{0: "Clear", 2: "Partly cloudy", 3: "Cloudy", 45: "Fog", 53: "Drizzle", 81: "Rainy", 75: "Snowy", 96: "Thunderstorm", 30: "Unknown"}
	for code, want := range tests {
		if got := Condition(code); got != want {
			t.Errorf("Condition(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestSampleIsStable(t *testing.T) {
	a, b := Sample("Lisbon"), Sample(" lisbon ")
	if a.Temperature != b.Temperature || a.Condition != b.Condition || a.Humidity != b.Humidity {
		t.Errorf("samples differ: %+v vs %+v", a, b)
	}
	if !a.Example || a.Location != "Lisbon" {
		t.Errorf("sample = %+v", a)
	}
	if a.Temperature < -10 || a.Temperature >= 40 || a.Humidity < 0 || a.Humidity >= 100 {
		t.Errorf("sample out of range: %+v", a)
	}
}
