// Package oracle adapts the external decision computation that chooses the
// bot's transfers. The computation is opaque: it receives the game history,
// roles and the cached belief and answers with a transfer amount and an
// updated belief.
package oracle

import (
	"context"
	"fmt"

	"github.com/xiaot623/trustgame/internal/belief"
	"github.com/xiaot623/trustgame/internal/domain"
)

// Oracle computes the bot's next transfer.
type Oracle interface {
	ComputeAction(ctx context.Context, req *Request) (*Response, error)
}

// GameParams are the fixed rules of the exchange.
type GameParams struct {
	K          int               `json:"k"`
	Endowments domain.Endowments `json:"endowments"`
}

// Options tune the computation.
type Options struct {
	Horizon              int    `json:"horizon"`
	BeliefRepresentation string `json:"beliefRepresentation"`
}

// Roles names which side the bot and the participant play.
type Roles struct {
	Bot      domain.Role `json:"bot"`
	Opponent domain.Role `json:"opponent"`
}

// History lists past transfers, most recent first.
type History struct {
	Investments []int `json:"investments"`
	Returns     []int `json:"returns"`
}

// Cache carries the belief loaded before the call.
type Cache struct {
	Belief belief.Belief `json:"belief"`
}

// Request is everything the oracle needs for one decision.
type Request struct {
	Kind               domain.JobKind   `json:"kind"`
	GameSpecificParams GameParams       `json:"gameSpecificParams"`
	Options            Options          `json:"options"`
	BotParams          domain.BotParams `json:"botParams"`
	BotState           domain.BotState  `json:"botState"`
	Roles              Roles            `json:"roles"`
	History            History          `json:"history"`
	Cache              Cache            `json:"cache"`
}

// Response is the oracle's decision and updated belief.
type Response struct {
	Action int           `json:"action"`
	Belief belief.Belief `json:"belief"`
}

// NewRequest packages a job payload and the cached belief into a Request.
// For return jobs the participant's pending investment is prepended to the
// investment history.
func NewRequest(kind domain.JobKind, payload *domain.JobPayload, cached belief.Belief) (*Request, error) {
	if payload == nil || payload.Session == nil {
		return nil, fmt.Errorf("job payload has no session record")
	}
	session := payload.Session
	role := session.Setup.Role

	n := len(session.History)
	history := History{
		Investments: make([]int, 0, n+1),
		Returns:     make([]int, 0, n),
	}
	if kind == domain.JobKindReturn {
		if payload.Investment == nil {
			return nil, fmt.Errorf("return job for %s has no investment", payload.UserID)
		}
		history.Investments = append(history.Investments, *payload.Investment)
	}
	for i := n - 1; i >= 0; i-- {
		history.Investments = append(history.Investments, session.History[i].Invested)
		history.Returns = append(history.Returns, session.History[i].Returned)
	}
	if cached == nil {
		cached = belief.Belief{}
	}

	return &Request{
		Kind: kind,
		GameSpecificParams: GameParams{
			K:          session.Setup.K,
			Endowments: session.Setup.Endowments,
		},
		Options: Options{
			Horizon:              session.Setup.Horizon,
			BeliefRepresentation: "dirichlet",
		},
		BotParams: session.BotParams,
		BotState:  session.BotState,
		Roles: Roles{
			Bot:      role.Opponent(),
			Opponent: role,
		},
		History: history,
		Cache:   Cache{Belief: cached},
	}, nil
}

// Limit is the largest transfer the bot may make for req.
func (r *Request) Limit() int {
	if r.Kind == domain.JobKindInvest {
		return r.GameSpecificParams.Endowments.Investor
	}
	invested := 0
	if len(r.History.Investments) > 0 {
		invested = r.History.Investments[0]
	}
	return r.GameSpecificParams.Endowments.Investee + r.GameSpecificParams.K*invested
}
