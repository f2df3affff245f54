/**
 * @description
 * Compatibility scoring between two opposite-direction transfer requests. The score is
 * the sum of three independent components and is capped at 100:
 * - amount fit (up to 40): how close the request's send amount is to what the counter
 *   party expects to receive;
 * - time proximity (up to 30): how close together the two requests were created;
 * - corridor (30): whether the country pairs are exact reciprocals.
 *
 * Everything in this file is pure and deterministic.
 */
package app

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/netting-service/internal/domain"
)

const maxMatchScore = 100

var (
	exactMatchTolerance = decimal.RequireFromString("0.01")

	amountFitBands = []struct {
		limit  decimal.Decimal
		points int
	}{
		{decimal.RequireFromString("0.10"), 35},
		{decimal.RequireFromString("0.25"), 25},
		{decimal.RequireFromString("0.50"), 15},
	}
)

// Score returns the 0..100 compatibility of counter as a partner for request.
func Score(request, counter *domain.TransferRequest) int {
	score := AmountFitPoints(RelativeAmountDifference(request, counter)) +
		TimeProximityPoints(request.CreatedAt.Sub(counter.CreatedAt)) +
		CorridorPoints(request, counter)
	if score > maxMatchScore {
		return maxMatchScore
	}
	return score
}

// RelativeAmountDifference is |sendAmount - counterReceiveAmount| / sendAmount. A request
// with no positive send amount is treated as infinitely far from anything.
func RelativeAmountDifference(request, counter *domain.TransferRequest) decimal.Decimal {
	if !request.SendAmount.IsPositive() {
		return decimal.NewFromInt(1 << 30)
	}
	return request.SendAmount.Sub(counter.ReceiveAmount).Abs().Div(request.SendAmount)
}

// AmountFitPoints maps a relative difference to 40/35/25/15/0.
func AmountFitPoints(d decimal.Decimal) int {
	if d.IsZero() {
		return 40
	}
	for _, band := range amountFitBands {
		if d.LessThanOrEqual(band.limit) {
			return band.points
		}
	}
	return 0
}

// TimeProximityPoints maps the gap between creation times to 30/25/15/5.
func TimeProximityPoints(gap time.Duration) int {
	if gap < 0 {
		gap = -gap
	}
	switch {
	case gap <= time.Hour:
		return 30
	case gap <= 6*time.Hour:
		return 25
	case gap <= 24*time.Hour:
		return 15
	default:
		return 5
	}
}

// CorridorPoints is 30 when the two requests travel the same country pair in opposite
// directions.
func CorridorPoints(request, counter *domain.TransferRequest) int {
	if request.SenderCountry == counter.RecipientCountry && request.RecipientCountry == counter.SenderCountry {
		return 30
	}
	return 0
}

// ClassifyMatch derives the match type and amounts for a proposal. A difference within 1%
// is EXACT and settles the full send amount; anything else is PARTIAL and settles the
// smaller side.
func ClassifyMatch(request, counter *domain.TransferRequest) (domain.MatchType, decimal.Decimal, decimal.Decimal) {
	remaining := request.SendAmount.Sub(counter.ReceiveAmount).Abs()
	if RelativeAmountDifference(request, counter).LessThanOrEqual(exactMatchTolerance) {
		return domain.MatchTypeExact, request.SendAmount, remaining
	}
	return domain.MatchTypePartial, decimal.Min(request.SendAmount, counter.ReceiveAmount), remaining
}
