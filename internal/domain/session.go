package domain

import "time"

// Endowments are the per-round unit allotments of both players.
type Endowments struct {
	Investor int `json:"investor"`
	Investee int `json:"investee"`
}

// Setup holds the parameters of one participant's game.
type Setup struct {
	K                 int        `json:"k"`
	UnitToDollarRatio float64    `json:"unitToDollarRatio"`
	Horizon           int        `json:"horizon,omitempty"`
	HorizonDisclosed  bool       `json:"horizonDisclosed"`
	Role              Role       `json:"role"`
	Endowments        Endowments `json:"endowments"`
}

// Public returns the setup as shown to the participant: the horizon is
// withheld unless it is disclosed.
func (s Setup) Public() Setup {
	out := s
	if !s.HorizonDisclosed {
		out.Horizon = 0
	}
	return out
}

// InvestLimit is the largest amount the investor may transfer in a round.
func (s Setup) InvestLimit() int {
	return s.Endowments.Investor
}

// ReturnLimit is the largest amount the investee may return after
// receiving an investment of invested units.
func (s Setup) ReturnLimit(invested int) int {
	return s.Endowments.Investee + s.K*invested
}

// Took records elapsed seconds spent by each side on a round.
type Took struct {
	Bot   int `json:"bot"`
	Human int `json:"human"`
}

// RoundRecord is one completed round. Records are immutable once appended.
type RoundRecord struct {
	Invested int  `json:"invested"`
	Returned int  `json:"returned"`
	Took     Took `json:"took"`
}

// Earnings are the accumulated payoffs of both players.
type Earnings struct {
	Investor int `json:"investor"`
	Investee int `json:"investee"`
}

// MetaParams are the bot's planning parameters.
type MetaParams struct {
	Alpha          float64 `json:"alpha"`
	DiscountFactor float64 `json:"discountFactor"`
	LookAhead      int     `json:"lookAhead"`
}

// BotParams are the static parameters of the opponent.
type BotParams struct {
	GoalCoeffs     []float64  `json:"goalCoeffs"`
	MetaParams     MetaParams `json:"metaParams"`
	UsesHeuristics bool       `json:"usesHeuristics"`
}

// Distribution is a discrete prior over integer values. Probs is empty for
// a point mass.
type Distribution struct {
	Probs  []float64 `json:"ps,omitempty"`
	Values []int     `json:"vs"`
}

// LookAheadEstimate is the bot's estimate of the participant's planning depth.
type LookAheadEstimate struct {
	Prior     Distribution `json:"prior"`
	Estimated *int         `json:"estimated,omitempty"`
	Simplify  bool         `json:"simplify"`
}

// MetaParamsEstimations is the bot's estimate of the participant's meta parameters.
type MetaParamsEstimations struct {
	Alpha          []float64         `json:"alpha"`
	LookAhead      LookAheadEstimate `json:"lookAhead"`
	DiscountFactor float64           `json:"discountFactor"`
}

// BotState is the opponent's initial belief summary about the participant.
type BotState struct {
	IsInvestee            bool                  `json:"isInvestee"`
	Belief                []float64             `json:"belief"`
	Trust                 float64               `json:"trust"`
	MetaParamsEstimations MetaParamsEstimations `json:"metaParamsEstimations"`
}

// GameSession is the authoritative state of one participant's game.
type GameSession struct {
	UserID    string        `json:"userId"`
	Setup     Setup         `json:"setup"`
	BotParams BotParams     `json:"botParams"`
	BotState  BotState      `json:"botState"`
	History   []RoundRecord `json:"history"`
	Status    SessionStatus `json:"status"`
	GotSetup  time.Time     `json:"gotSetup"`
}

// Finished reports whether the horizon has been reached.
func (g *GameSession) Finished() bool {
	return len(g.History) >= g.Setup.Horizon
}

// Clone returns a deep copy that shares no mutable state with g.
func (g *GameSession) Clone() *GameSession {
	out := *g
	out.History = append([]RoundRecord(nil), g.History...)
	out.BotParams.GoalCoeffs = append([]float64(nil), g.BotParams.GoalCoeffs...)
	out.BotState.Belief = append([]float64(nil), g.BotState.Belief...)
	out.BotState.MetaParamsEstimations.Alpha = append([]float64(nil), g.BotState.MetaParamsEstimations.Alpha...)
	return &out
}

// ComputeEarnings sums both players' payoffs over history.
func ComputeEarnings(history []RoundRecord, setup Setup) Earnings {
	var e Earnings
	for _, r := range history {
		e.Investor += setup.Endowments.Investor - r.Invested + r.Returned
		e.Investee += setup.Endowments.Investee + r.Invested*setup.K - r.Returned
	}
	return e
}
