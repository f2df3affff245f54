package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferCorridor aggregates settled volume for an ordered country pair.
type TransferCorridor struct {
	FromCountry         string          `json:"from_country"`
	ToCountry           string          `json:"to_country"`
	TotalTransfers      int64           `json:"total_transfers"`
	TotalVolume         decimal.Decimal `json:"total_volume"`
	AvgMatchTimeMinutes decimal.Decimal `json:"avg_match_time_minutes"`
	IsActive            bool            `json:"is_active"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// CorridorSample is the contribution of one completed settlement to a corridor.
type CorridorSample struct {
	FromCountry      string
	ToCountry        string
	Volume           decimal.Decimal
	MatchTimeMinutes decimal.Decimal
}

// Apply folds a sample into the corridor's running totals.
func (c *TransferCorridor) Apply(sample CorridorSample, now time.Time) {
	n := decimal.NewFromInt(c.TotalTransfers)
	total := c.AvgMatchTimeMinutes.Mul(n).Add(sample.MatchTimeMinutes)
	c.TotalTransfers++
	c.TotalVolume = c.TotalVolume.Add(sample.Volume)
	c.AvgMatchTimeMinutes = total.Div(decimal.NewFromInt(c.TotalTransfers)).Round(2)
	c.IsActive = true
	c.UpdatedAt = now
}

// SampleFor describes what a completed settlement adds to its corridor. Match time is
// measured from the originating request's creation until the match was executed.
func SampleFor(match *SettlementMatch, request *TransferRequest) CorridorSample {
	executedAt := request.CreatedAt
	if request.MatchedAt != nil {
		executedAt = *request.MatchedAt
	}
	minutes := decimal.NewFromFloat(executedAt.Sub(request.CreatedAt).Minutes())
	if minutes.IsNegative() {
		minutes = decimal.Zero
	}
	return CorridorSample{
		FromCountry:      request.SenderCountry,
		ToCountry:        request.RecipientCountry,
		Volume:           match.MatchedAmount,
		MatchTimeMinutes: minutes.Round(2),
	}
}
