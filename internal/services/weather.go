package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	weatherRequestTimeout = 10 * time.Second
	locationCacheTTL      = 5 * time.Minute
	conditionsCacheTTL    = 3 * time.Minute
)

// ErrNoLocation is returned when no location was given and IP
// geolocation could not produce one.
var ErrNoLocation = errors.New("could not determine location")

var weatherHTTPClient = &http.Client{Timeout: weatherRequestTimeout}

// Conditions is a current-weather observation in metric units.
type Conditions struct {
	Location    string
	Description string
	TempC       float64
	FeelsLikeC  float64
	Humidity    int
}

// WeatherClient fetches current conditions from OpenWeatherMap. An empty
// location is resolved to the caller's city by IP geolocation. Lookups
// are cached: the caller's location for five minutes, per-city
// conditions for three.
type WeatherClient struct {
	apiKey  string
	baseURL string
	geoURL  string

	mu         sync.Mutex
	cachedLoc  string
	locExpires time.Time
	conditions map[string]cachedConditions
}

type cachedConditions struct {
	c       Conditions
	expires time.Time
}

// NewWeather returns a client for the OpenWeatherMap current-weather API.
func NewWeather(apiKey string) *WeatherClient {
	return &WeatherClient{
		apiKey:     apiKey,
		baseURL:    "http://api.openweathermap.org/data/2.5/weather",
		geoURL:     "http://ip-api.com/json/",
		conditions: make(map[string]cachedConditions),
	}
}

// Current returns conditions for location, consulting the cache first.
func (w *WeatherClient) Current(ctx context.Context, location string) (Conditions, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		loc, err := w.locate(ctx)
		if err != nil {
			return Conditions{}, fmt.Errorf("%w: %v", ErrNoLocation, err)
		}
		location = loc
	}

	key := strings.ToLower(location)
	now := time.Now()

	w.mu.Lock()
	if cached, ok := w.conditions[key]; ok && now.Before(cached.expires) {
		w.mu.Unlock()
		slog.Debug("weather cache hit", "location", location)
		return cached.c, nil
	}
	w.mu.Unlock()

	cond, err := w.fetch(ctx, location)
	if err != nil {
		return Conditions{}, err
	}

	w.mu.Lock()
	w.conditions[key] = cachedConditions{c: cond, expires: now.Add(conditionsCacheTTL)}
	w.mu.Unlock()
	return cond, nil
}

// ClearCache drops the cached location and all cached conditions.
func (w *WeatherClient) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cachedLoc = ""
	w.locExpires = time.Time{}
	w.conditions = make(map[string]cachedConditions)
}

// locate resolves the caller's city from their public IP.
func (w *WeatherClient) locate(ctx context.Context) (string, error) {
	now := time.Now()
	w.mu.Lock()
	if w.cachedLoc != "" && now.Before(w.locExpires) {
		loc := w.cachedLoc
		w.mu.Unlock()
		return loc, nil
	}
	w.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.geoURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "alfred/0.1.0")

	resp, err := weatherHTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("geolocate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var geo struct {
		Status  string `json:"status"`
		City    string `json:"city"`
		Country string `json:"country"`
	}
	if err := json.Unmarshal(body, &geo); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if geo.Status != "success" || geo.City == "" {
		return "", fmt.Errorf("geolocation lookup failed")
	}

	loc := geo.City + ", " + geo.Country
	w.mu.Lock()
	w.cachedLoc = loc
	w.locExpires = now.Add(locationCacheTTL)
	w.mu.Unlock()
	slog.Debug("resolved location from IP", "location", loc)
	return loc, nil
}

func (w *WeatherClient) fetch(ctx context.Context, location string) (Conditions, error) {
	q := url.Values{}
	q.Set("q", location)
	q.Set("appid", w.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Conditions{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "alfred/0.1.0")

	resp, err := weatherHTTPClient.Do(req)
	if err != nil {
		return Conditions{}, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Conditions{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Conditions{}, fmt.Errorf("weather API returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
		Main struct {
			Temp      float64 `json:"temp"`
			FeelsLike float64 `json:"feels_like"`
			Humidity  int     `json:"humidity"`
		} `json:"main"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Conditions{}, fmt.Errorf("parse response: %w", err)
	}
	if len(payload.Weather) == 0 {
		return Conditions{}, fmt.Errorf("response has no weather block")
	}

	return Conditions{
		Location:    location,
		Description: payload.Weather[0].Description,
		TempC:       payload.Main.Temp,
		FeelsLikeC:  payload.Main.FeelsLike,
		Humidity:    payload.Main.Humidity,
	}, nil
}
