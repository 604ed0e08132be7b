package matchmaker

import "math"

// eloK is the rating update factor.
const eloK = 32

// DefaultRating seeds peers that have never played.
const DefaultRating = 1200

// EloUpdate returns the updated ratings after a match between a and b.
// aWon is true when a took the match; draws are not modeled.
func EloUpdate(ra, rb float64, aWon bool) (newRa, newRb float64) {
	expectedA := 1 / (1 + math.Pow(10, (rb-ra)/400))
	scoreA := 0.0
	if aWon {
		scoreA = 1.0
	}
	newRa = ra + eloK*(scoreA-expectedA)
	newRb = rb + eloK*((1-scoreA)-(1-expectedA))
	return newRa, newRb
}
