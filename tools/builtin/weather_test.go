package builtin

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func weatherToolWithResponse(status int, body string, captured *http.Request) *FetchWeatherTool {
	tool := NewFetchWeatherTool("test-key", 2*time.Second)
	tool.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if captured != nil {
			*captured = *r
		}
		return &http.Response{
			StatusCode: status,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(body)),
			Request:    r,
		}, nil
	})}
	return tool
}

func TestFetchWeatherTool_Success(t *testing.T) {
	body := `{"name":"London","sys":{"country":"GB"},"main":{"temp":12.3,"feels_like":11.0,"humidity":81},"weather":[{"description":"light rain"}],"wind":{"speed":4.2}}`
	var req http.Request
	tool := weatherToolWithResponse(200, body, &req)

	out, err := tool.Execute(context.Background(), map[string]any{"location": "London"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !strings.Contains(out, "Weather in London, GB") {
		t.Fatalf("unexpected output: %q", out)
	}
	if !strings.Contains(out, "12.3°C") {
		t.Fatalf("expected metric temperature in output, got %q", out)
	}
	if !strings.Contains(out, "Light rain") {
		t.Fatalf("expected capitalized conditions, got %q", out)
	}
	q := req.URL.Query()
	if q.Get("q") != "London" || q.Get("units") != "metric" || q.Get("appid") != "test-key" {
		t.Fatalf("unexpected query: %v", req.URL.RawQuery)
	}
}

func TestFetchWeatherTool_ImperialUnit(t *testing.T) {
	body := `{"name":"Miami","sys":{"country":"US"},"main":{"temp":88,"feels_like":95,"humidity":70},"weather":[{"description":"clear sky"}],"wind":{"speed":8}}`
	var req http.Request
	tool := weatherToolWithResponse(200, body, &req)

	out, err := tool.Execute(context.Background(), map[string]any{"location": "Miami", "unit": "imperial"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !strings.Contains(out, "°F") || !strings.Contains(out, "mph") {
		t.Fatalf("expected imperial units, got %q", out)
	}
	if req.URL.Query().Get("units") != "imperial" {
		t.Fatalf("unexpected units param: %v", req.URL.RawQuery)
	}
}

func TestFetchWeatherTool_CityNotFound(t *testing.T) {
	tool := weatherToolWithResponse(404, `{"cod":"404","message":"city not found"}`, nil)
	out, err := tool.Execute(context.Background(), map[string]any{"location": "Atlantis"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !strings.Contains(out, "not found") {
		t.Fatalf("expected not-found message, got %q", out)
	}
}

func TestFetchWeatherTool_BadAPIKey(t *testing.T) {
	tool := weatherToolWithResponse(401, `{"cod":401,"message":"Invalid API key"}`, nil)
	out, err := tool.Execute(context.Background(), map[string]any{"location": "London"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !strings.Contains(out, "invalid API key") {
		t.Fatalf("expected api-key message, got %q", out)
	}
}

func TestFetchWeatherTool_MissingLocation(t *testing.T) {
	tool := weatherToolWithResponse(200, `{}`, nil)
	out, err := tool.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !strings.Contains(out, "no location provided") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestFetchWeatherTool_ApprovalRequired(t *testing.T) {
	tool := NewFetchWeatherTool("k", time.Second)
	if !tool.ApprovalRequired() {
		t.Fatal("fetch_weather must be approval-gated")
	}
}
