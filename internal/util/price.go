// Package util provides common utility functions for price and strike calculations.
package util

import "github.com/shopspring/decimal"

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// Works for option price ticks (0.05) as well as strike increments (5).
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(x).Div(t).Round(0).Mul(t).InexactFloat64()
}

// FloorToTick rounds x down to a multiple of tick.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(x).Div(t).Floor().Mul(t).InexactFloat64()
}

// CeilToTick rounds x up to a multiple of tick.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(x).Div(t).Ceil().Mul(t).InexactFloat64()
}

// RoundCents rounds a dollar amount to whole cents.
func RoundCents(x float64) float64 {
	return decimal.NewFromFloat(x).Round(2).InexactFloat64()
}
