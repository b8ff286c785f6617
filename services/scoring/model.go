package scoring

// Factor is one contributing component of a score. The raw value is the
// observed rate in [0,1]; Weighted is its contribution to the 0-100 scale.
// Breakdowns are persisted alongside the scalar so tier decisions stay
// explainable after the fact.
type Factor struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
	Samples  int     `json:"samples"`
}

// Result is the outcome of scoring one worker over one trailing window.
// Provisional means the sample was too small to score: Score is nil and
// must never be read as "zero".
type Result struct {
	Score       *float64 `json:"score"`
	Provisional bool     `json:"provisional"`
	WindowDays  int      `json:"window_days"`
	VisitCount  int      `json:"visit_count"`
	Breakdown   []Factor `json:"breakdown"`
}

const (
	FactorOnTime        = "on_time_rate"
	FactorCompletion    = "completion_rate"
	FactorChecklist     = "checklist_completeness"
	FactorMedia         = "media_completeness"
	FactorComplaintFree = "complaint_free_rate"
	FactorSafety        = "safety_clear_rate"
	FactorOfferResponse = "offer_response_rate"
	FactorOfferAccept   = "offer_accept_rate"
	FactorMessageReply  = "message_reply_speed"
)

// Standard windows. The short window drives responsiveness; the long one
// drives quality and tenure.
const (
	WindowShortDays = 30
	WindowLongDays  = 26 * 7
)

// Tier is the ordered reliability classification derived from score
// snapshots. It gates dispatch priority and compensation.
type Tier string

const (
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

var tierRank = map[Tier]int{
	TierBronze: 0,
	TierSilver: 1,
	TierGold:   2,
}

// Rank returns the ordinal position of the tier; unknown tiers rank lowest.
func (t Tier) Rank() int {
	return tierRank[t]
}

// StepToward moves one level toward target. Transitions never jump more
// than one tier per evaluation, so a single anomalous window cannot cause
// a multi-level move.
func (t Tier) StepToward(target Tier) Tier {
	ordered := []Tier{TierBronze, TierSilver, TierGold}
	cur := t.Rank()
	switch {
	case target.Rank() > cur:
		return ordered[cur+1]
	case target.Rank() < cur:
		return ordered[cur-1]
	default:
		return t
	}
}
