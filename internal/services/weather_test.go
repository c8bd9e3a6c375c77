package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestWeatherCurrentParsesConditions(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(wr http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.URL.Query().Get("q"); got != "london" {
			t.Errorf("query location = %q, want %q", got, "london")
		}
		if got := r.URL.Query().Get("units"); got != "metric" {
			t.Errorf("units = %q, want %q", got, "metric")
		}
		wr.Header().Set("Content-Type", "application/json")
		wr.Write([]byte(`{"weather":[{"description":"light rain"}],"main":{"temp":14.2,"feels_like":13.1,"humidity":82}}`))
	}))
	defer srv.Close()

	w := NewWeather("test-key")
	w.baseURL = srv.URL

	cond, err := w.Current(context.Background(), "london")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cond.Description != "light rain" {
		t.Errorf("Description = %q, want %q", cond.Description, "light rain")
	}
	if cond.TempC != 14.2 || cond.FeelsLikeC != 13.1 || cond.Humidity != 82 {
		t.Errorf("conditions = %+v", cond)
	}
	if cond.Location != "london" {
		t.Errorf("Location = %q, want %q", cond.Location, "london")
	}

	// Different case, same city: served from cache.
	if _, err := w.Current(context.Background(), "London"); err != nil {
		t.Fatalf("cached Current: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("API hits = %d, want 1", got)
	}
}

func TestWeatherClearCacheForcesRefetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(wr http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		wr.Write([]byte(`{"weather":[{"description":"overcast"}],"main":{"temp":9,"feels_like":7,"humidity":70}}`))
	}))
	defer srv.Close()

	w := NewWeather("k")
	w.baseURL = srv.URL

	if _, err := w.Current(context.Background(), "berlin"); err != nil {
		t.Fatalf("Current: %v", err)
	}
	w.ClearCache()
	if _, err := w.Current(context.Background(), "berlin"); err != nil {
		t.Fatalf("Current after ClearCache: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("API hits = %d, want 2", got)
	}
}

func TestWeatherEmptyLocationUsesGeolocation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/geo", func(wr http.ResponseWriter, r *http.Request) {
		wr.Write([]byte(`{"status":"success","city":"Oslo","country":"Norway"}`))
	})
	mux.HandleFunc("/weather", func(wr http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "Oslo, Norway" {
			t.Errorf("query location = %q, want %q", got, "Oslo, Norway")
		}
		wr.Write([]byte(`{"weather":[{"description":"clear sky"}],"main":{"temp":2,"feels_like":-1,"humidity":60}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	w := NewWeather("k")
	w.baseURL = srv.URL + "/weather"
	w.geoURL = srv.URL + "/geo"

	cond, err := w.Current(context.Background(), "")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cond.Location != "Oslo, Norway" {
		t.Errorf("Location = %q, want %q", cond.Location, "Oslo, Norway")
	}
}

func TestWeatherAPIErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(wr http.ResponseWriter, r *http.Request) {
		http.Error(wr, `{"cod":"404","message":"city not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	w := NewWeather("k")
	w.baseURL = srv.URL
	if _, err := w.Current(context.Background(), "atlantis"); err == nil {
		t.Fatal("Current succeeded for unknown city")
	}
}

func TestWeatherGeolocationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(wr http.ResponseWriter, r *http.Request) {
		wr.Write([]byte(`{"status":"fail","message":"private range"}`))
	}))
	defer srv.Close()

	w := NewWeather("k")
	w.geoURL = srv.URL
	if _, err := w.Current(context.Background(), ""); err == nil {
		t.Fatal("Current succeeded without a resolvable location")
	}
}
