package models

import "time"

// TrendState is the persisted state of the trend filter's moving averages.
type TrendState struct {
	LastSample time.Time `json:"last_sample"`
	Fast       float64   `json:"fast"`
	Slow       float64   `json:"slow"`
	Samples    int       `json:"samples"`
}
