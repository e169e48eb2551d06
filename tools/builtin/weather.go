package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FetchWeatherTool queries the OpenWeatherMap current-weather API. The call
// spends API quota against a third-party account, so it is approval-gated:
// the engine pauses the run until a human approves or rejects the invocation.
type FetchWeatherTool struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func NewFetchWeatherTool(apiKey string, timeout time.Duration) *FetchWeatherTool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FetchWeatherTool{
		APIKey:     apiKey,
		BaseURL:    "https://api.openweathermap.org",
		Timeout:    timeout,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (t *FetchWeatherTool) Name() string { return "fetch_weather" }

func (t *FetchWeatherTool) ApprovalRequired() bool { return true }

func (t *FetchWeatherTool) Description() string {
	return "Fetches current weather for a city using the OpenWeatherMap API. Requires human approval before it runs."
}

func (t *FetchWeatherTool) ParameterSchema() string {
	s := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"location": map[string]any{
				"type":        "string",
				"description": "City name, e.g. \"London\", \"New York\", \"Tokyo\".",
			},
			"unit": map[string]any{
				"type":        "string",
				"enum":        []string{"metric", "imperial", "standard"},
				"description": "Temperature unit: metric (Celsius), imperial (Fahrenheit) or standard (Kelvin).",
			},
		},
		"required": []string{"location"},
	}
	b, _ := json.MarshalIndent(s, "", "  ")
	return string(b)
}

type weatherResponse struct {
	Name string `json:"name"`
	Sys  struct {
		Country string `json:"country"`
	} `json:"sys"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

func (t *FetchWeatherTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	city, _ := params["location"].(string)
	city = strings.TrimSpace(city)
	if city == "" {
		return "Error: no location provided", nil
	}
	unit, _ := params["unit"].(string)
	unit = strings.ToLower(strings.TrimSpace(unit))
	switch unit {
	case "metric", "imperial", "standard":
	default:
		unit = "metric"
	}

	q := url.Values{}
	q.Set("q", city)
	q.Set("appid", t.APIKey)
	q.Set("units", unit)
	reqURL := strings.TrimRight(t.BaseURL, "/") + "/data/2.5/weather?" + q.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() != nil {
			return "Error: weather request timed out. Please try again.", nil
		}
		return fmt.Sprintf("Error: network error occurred - %s", err.Error()), nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Sprintf("Error: city %q not found. Please check the spelling or try a different city.", city), nil
	case resp.StatusCode == http.StatusUnauthorized:
		return "Error: invalid API key. Please check the OpenWeatherMap API key.", nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Sprintf("Error: failed to fetch weather data (status %d)", resp.StatusCode), nil
	}

	var data weatherResponse
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("unexpected response from weather API: %w", err)
	}
	if len(data.Weather) == 0 {
		return "", fmt.Errorf("unexpected response from weather API: missing weather conditions")
	}

	tempUnit := map[string]string{"metric": "°C", "imperial": "°F", "standard": "K"}[unit]
	windUnit := "m/s"
	if unit == "imperial" {
		windUnit = "mph"
	}
	desc := data.Weather[0].Description
	if desc != "" {
		desc = strings.ToUpper(desc[:1]) + desc[1:]
	}

	return fmt.Sprintf(`Weather in %s, %s:
Temperature: %.1f%s (feels like %.1f%s)
Conditions: %s
Humidity: %d%%
Wind speed: %.1f %s`,
		data.Name, data.Sys.Country,
		data.Main.Temp, tempUnit, data.Main.FeelsLike, tempUnit,
		desc,
		data.Main.Humidity,
		data.Wind.Speed, windUnit,
	), nil
}
