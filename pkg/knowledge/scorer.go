package knowledge

// Context carries the observable system state a confidence score is derived
// from.
type Context struct {
	// Fingerprint keys the historical lookup.
	Fingerprint string
	// RecentSuccessRate is the global success fraction over recent task
	// outcomes. HasRecent is false before any outcome has been observed.
	RecentSuccessRate float64
	HasRecent         bool
	// QueueDepth is the number of tasks currently backlogged.
	QueueDepth int
}

// Scorer estimates the likelihood an autonomous decision will succeed. The
// heuristic below is deliberately replaceable; only the [0,1] clamp is a
// contract.
type Scorer interface {
	Score(ctx Context, kb *Base) float64
}

// HeuristicScorer is the default strategy: a neutral base adjusted by recent
// global success and queue pressure, then blended with the historical
// success rate of decisions sharing the same fingerprint.
type HeuristicScorer struct {
	BaseScore    float64
	SuccessBonus float64 // applied at the HighSuccess/LowSuccess cutoffs
	QueueBonus   float64 // applied at the ShallowQueue/DeepQueue cutoffs

	HighSuccess  float64
	LowSuccess   float64
	ShallowQueue int
	DeepQueue    int

	// HistoryWeight is the share of the final score taken from fingerprint
	// history when any exists.
	HistoryWeight float64
}

// NewHeuristicScorer returns the default coefficients.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{
		BaseScore:     0.5,
		SuccessBonus:  0.2,
		QueueBonus:    0.1,
		HighSuccess:   0.75,
		LowSuccess:    0.4,
		ShallowQueue:  2,
		DeepQueue:     10,
		HistoryWeight: 0.3,
	}
}

func (s *HeuristicScorer) Score(ctx Context, kb *Base) float64 {
	score := s.BaseScore

	if ctx.HasRecent {
		switch {
		case ctx.RecentSuccessRate >= s.HighSuccess:
			score += s.SuccessBonus
		case ctx.RecentSuccessRate <= s.LowSuccess:
			score -= s.SuccessBonus
		}
	}

	switch {
	case ctx.QueueDepth <= s.ShallowQueue:
		score += s.QueueBonus
	case ctx.QueueDepth >= s.DeepQueue:
		score -= s.QueueBonus
	}

	if kb != nil {
		if rate, ok := kb.SuccessRateFor(ctx.Fingerprint); ok {
			score = score*(1-s.HistoryWeight) + rate*s.HistoryWeight
		}
	}

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
