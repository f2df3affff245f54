package app

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/netting-service/internal/domain"
)

func scoringPair(send, counterReceive string, gap time.Duration) (*domain.TransferRequest, *domain.TransferRequest) {
	request := &domain.TransferRequest{
		SenderCountry:    "US",
		RecipientCountry: "EG",
		SendAmount:       decimal.RequireFromString(send),
		ReceiveAmount:    decimal.RequireFromString("30000"),
		CreatedAt:        baseTime,
	}
	counter := &domain.TransferRequest{
		SenderCountry:    "EG",
		RecipientCountry: "US",
		SendAmount:       decimal.RequireFromString("30000"),
		ReceiveAmount:    decimal.RequireFromString(counterReceive),
		CreatedAt:        baseTime.Add(gap),
	}
	return request, counter
}

func TestAmountFitPoints_Boundaries(t *testing.T) {
	tests := []struct {
		d    string
		want int
	}{
		{"0", 40},
		{"0.0001", 35},
		{"0.10", 35},
		{"0.1001", 25},
		{"0.25", 25},
		{"0.2501", 15},
		{"0.50", 15},
		{"0.5001", 0},
		{"3", 0},
	}
	for _, tc := range tests {
		if got := AmountFitPoints(decimal.RequireFromString(tc.d)); got != tc.want {
			t.Errorf("AmountFitPoints(%s) = %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestTimeProximityPoints_Boundaries(t *testing.T) {
	tests := []struct {
		gap  time.Duration
		want int
	}{
		{0, 30},
		{time.Hour, 30},
		{-time.Hour, 30},
		{time.Hour + time.Second, 25},
		{6 * time.Hour, 25},
		{6*time.Hour + time.Second, 15},
		{24 * time.Hour, 15},
		{24*time.Hour + time.Second, 5},
		{30 * 24 * time.Hour, 5},
	}
	for _, tc := range tests {
		if got := TimeProximityPoints(tc.gap); got != tc.want {
			t.Errorf("TimeProximityPoints(%s) = %d, want %d", tc.gap, got, tc.want)
		}
	}
}

func TestScore_IdenticalAmountsWithinAMinuteIsPerfect(t *testing.T) {
	request, counter := scoringPair("1000", "1000", 40*time.Second)

	if got := Score(request, counter); got != 100 {
		t.Fatalf("expected score 100, got %d", got)
	}
	matchType, matched, remaining := ClassifyMatch(request, counter)
	if matchType != domain.MatchTypeExact {
		t.Fatalf("expected EXACT, got %s", matchType)
	}
	if !matched.Equal(decimal.NewFromInt(1000)) || !remaining.IsZero() {
		t.Fatalf("unexpected amounts matched=%s remaining=%s", matched, remaining)
	}
}

func TestScore_CorridorComponentIsSymmetric(t *testing.T) {
	request, counter := scoringPair("1000", "1000", 0)
	if CorridorPoints(request, counter) != CorridorPoints(counter, request) {
		t.Fatalf("corridor points differ when swapping the pair")
	}

	counter.RecipientCountry = "GB"
	if CorridorPoints(request, counter) != 0 || CorridorPoints(counter, request) != 0 {
		t.Fatalf("expected no corridor points for a non-reciprocal pair")
	}
}

func TestScore_MonotonicInDifferenceAndGap(t *testing.T) {
	previous := maxMatchScore + 1
	for _, receive := range []string{"1000", "990", "950", "900", "850", "750", "600", "400", "100"} {
		request, counter := scoringPair("1000", receive, 0)
		score := Score(request, counter)
		if score > previous {
			t.Fatalf("score increased from %d to %d as the difference grew (receive %s)", previous, score, receive)
		}
		previous = score
	}

	previous = maxMatchScore + 1
	for _, gap := range []time.Duration{0, 30 * time.Minute, 2 * time.Hour, 12 * time.Hour, 48 * time.Hour} {
		request, counter := scoringPair("1000", "1000", gap)
		score := Score(request, counter)
		if score > previous {
			t.Fatalf("score increased from %d to %d as the gap grew to %s", previous, score, gap)
		}
		previous = score
	}
}

func TestClassifyMatch_PartialUsesSmallerSide(t *testing.T) {
	request, counter := scoringPair("1000", "800", 0)
	matchType, matched, remaining := ClassifyMatch(request, counter)
	if matchType != domain.MatchTypePartial {
		t.Fatalf("expected PARTIAL, got %s", matchType)
	}
	if !matched.Equal(decimal.NewFromInt(800)) || !remaining.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("unexpected amounts matched=%s remaining=%s", matched, remaining)
	}

	request, counter = scoringPair("1000", "1200", 0)
	_, matched, _ = ClassifyMatch(request, counter)
	if !matched.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected matched 1000 when the counter wants more, got %s", matched)
	}

	request, counter = scoringPair("1000", "1010", 0)
	if matchType, _, _ := ClassifyMatch(request, counter); matchType != domain.MatchTypeExact {
		t.Fatalf("expected a 1%% difference to be EXACT, got %s", matchType)
	}
}
