// Package weather defines the forecast provider boundary.
package weather

import (
	"context"
	"time"
)

// Location is a place resolved by a provider search.
type Location struct {
	ID             string
	Name           string
	PostalCode     string
	Country        string
	DepartmentName string
	DepartmentNum  string
	Region         string
	Latitude       float64
	Longitude      float64
	RainAvailable  bool
}

// Forecast is one (day, moment) record. Missing probabilities are zero.
type Forecast struct {
	Day         int
	Date        time.Time
	Moment      string
	Description string
	WindSpeed   float64
	GustSpeed   float64
	TempMin     float64
	TempMax     float64
	UVIndex     float64
	RainProb    float64
	SnowProb    float64
	FrostProb   float64
}

// RainSlot is one 5-minute slot of the next-hour rain forecast.
type RainSlot struct {
	Begin time.Time
	End   time.Time
	Level int
	Text  string
	Color string
}

type RainForecast struct {
	Issued  time.Time
	Summary []string
	Slots   []RainSlot
}

// Provider resolves places and fetches forecasts.
//
// Search returns subscription.ErrLocationNotFound when nothing matches.
// Transport and decode failures wrap subscription.ErrUpstreamUnavailable.
type Provider interface {
	Search(ctx context.Context, query string) (Location, error)
	Forecast(ctx context.Context, locationID string, days int) ([]Forecast, error)
	RainNextHour(ctx context.Context, locationID string) (RainForecast, error)
}
