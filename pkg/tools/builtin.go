package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/parlance-ai/sonicbridge/pkg/sonic"
)

const (
	ToolDateAndTime = "getDateAndTimeTool"
	ToolWeather     = "getWeatherTool"

	weatherEndpoint = "https://api.open-meteo.com/v1/forecast"
	weatherTimeout  = 5 * time.Second
)

// weatherHTTPClient dials IPv4 only; the weather endpoint has a history of
// stalling on v6 routes.
var weatherHTTPClient = &http.Client{
	Timeout: weatherTimeout,
	Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp4", addr)
		},
	},
}

func registerBuiltins(r *Registry) {
	r.base[strings.ToLower(ToolDateAndTime)] = builtin{
		spec: sonic.ToolSpecBody{
			Name:        ToolDateAndTime,
			Description: "Get information about the current date and time.",
			InputSchema: sonic.ToolInputSchema{JSON: sonic.DefaultToolSchema},
		},
		invoke: func(ctx context.Context, _ string) (any, error) {
			return dateAndTime(time.Now()), nil
		},
	}
	r.base[strings.ToLower(ToolWeather)] = builtin{
		spec: sonic.ToolSpecBody{
			Name:        ToolWeather,
			Description: "Get the current weather for a given location, based on its WGS84 coordinates.",
			InputSchema: sonic.ToolInputSchema{JSON: sonic.WeatherToolSchema},
		},
		invoke: fetchWeather,
	}
}

func dateAndTime(now time.Time) map[string]any {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return map[string]any{
		"date":          t.Format("2006-01-02"),
		"year":          t.Year(),
		"month":         int(t.Month()),
		"day":           t.Day(),
		"dayOfWeek":     strings.ToUpper(t.Weekday().String()),
		"timezone":      "PST",
		"formattedTime": t.Format("03:04 PM"),
	}
}

type weatherCoordinates struct {
	Latitude  string
	Longitude string
}

// parseWeatherContent tolerates both string and numeric coordinates; the
// manifest schema says string but the model does not always comply.
func parseWeatherContent(rawContent string) (weatherCoordinates, error) {
	var fields map[string]any
	dec := json.NewDecoder(strings.NewReader(rawContent))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return weatherCoordinates{}, fmt.Errorf("parse tool use content: %w", err)
	}
	coords := weatherCoordinates{
		Latitude:  coordString(fields["latitude"]),
		Longitude: coordString(fields["longitude"]),
	}
	if coords.Latitude == "" || coords.Longitude == "" {
		return weatherCoordinates{}, fmt.Errorf("tool use content is missing coordinates")
	}
	return coords, nil
}

func coordString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func fetchWeather(ctx context.Context, rawContent string) (any, error) {
	coords, err := parseWeatherContent(rawContent)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s?latitude=%s&longitude=%s&current_weather=true",
		weatherEndpoint, coords.Latitude, coords.Longitude)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "sonicbridge/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := weatherHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch weather data: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch weather data: status %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode weather data: %w", err)
	}
	return map[string]any{"weather_data": payload}, nil
}
