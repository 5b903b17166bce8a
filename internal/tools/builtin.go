package tools

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/voxbridge/voxbridge/internal/provider"
)

// RegisterBuiltins installs the default tool set offered to every session.
func RegisterBuiltins(e *Executor, logger *log.Logger) {
	e.Register(provider.ToolDecl{
		Name:        "get_current_time",
		Description: "Get the current date and time.",
		Parameters: provider.Schema{
			Type: "OBJECT",
			Properties: map[string]provider.Schema{
				"timezone": {
					Type:        "STRING",
					Description: "IANA timezone name, e.g. Europe/Prague. Defaults to UTC.",
				},
			},
		},
	}, getCurrentTime)

	e.Register(provider.ToolDecl{
		Name:        "get_weather",
		Description: "Get the current weather for a location.",
		Parameters: provider.Schema{
			Type: "OBJECT",
			Properties: map[string]provider.Schema{
				"location": {
					Type:        "STRING",
					Description: "City name, e.g. Prague.",
				},
			},
			Required: []string{"location"},
		},
	}, getWeather)
}

func getCurrentTime(_ context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}
	now := time.Now().In(loc)
	return now.Format("Monday, January 2, 2006 at 15:04 MST"), nil
}

// getWeather is a placeholder until a weather API is wired up. It answers
// honestly so the model does not invent conditions.
func getWeather(_ context.Context, args map[string]any) (string, error) {
	location, _ := args["location"].(string)
	if location == "" {
		return "", fmt.Errorf("location is required")
	}
	return fmt.Sprintf("Live weather data for %s is not available right now.", location), nil
}
