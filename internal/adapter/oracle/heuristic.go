package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/xiaot623/trustgame/internal/domain"
)

// Belief keys written by the heuristic opponent.
const (
	keyCooperation = "cooperation"
	keyRounds      = "rounds"
)

// Heuristic is a built-in opponent for development and tests. It keeps a
// two-parameter Dirichlet estimate of how cooperative the participant is and
// weighs it by the bot's goal coefficients.
type Heuristic struct {
	delay time.Duration
}

var _ Oracle = (*Heuristic)(nil)

// NewHeuristic creates a heuristic opponent that takes at least delay to answer.
func NewHeuristic(delay time.Duration) *Heuristic {
	return &Heuristic{delay: delay}
}

// ComputeAction chooses a transfer and returns the updated belief.
func (h *Heuristic) ComputeAction(ctx context.Context, req *Request) (*Response, error) {
	if h.delay > 0 {
		timer := time.NewTimer(h.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	alpha, rounds, err := readCooperation(req)
	if err != nil {
		return nil, err
	}

	endowments := req.GameSpecificParams.Endowments
	k := req.GameSpecificParams.K
	switch req.Kind {
	case domain.JobKindReturn:
		// The participant's investment this round is evidence of cooperation.
		if len(req.History.Investments) > 0 && endowments.Investor > 0 {
			alpha = observe(alpha, float64(req.History.Investments[0])/float64(endowments.Investor))
		}
	case domain.JobKindInvest:
		// Last round's return relative to what the participant received.
		if len(req.History.Returns) > 0 && len(req.History.Investments) > 0 {
			received := endowments.Investee + k*req.History.Investments[0]
			if received > 0 {
				alpha = observe(alpha, float64(req.History.Returns[0])/float64(received))
			}
		}
	default:
		return nil, fmt.Errorf("unknown job kind %q", req.Kind)
	}

	p := alpha[0] / (alpha[0] + alpha[1])
	money, trust := goalWeights(req.BotParams.GoalCoeffs)

	var action int
	if req.Kind == domain.JobKindReturn {
		action = int(math.Round(float64(req.Limit()) * clamp01(trust*p+0.1*(1-money))))
	} else {
		action = int(math.Round(float64(req.Limit()) * clamp01(p*(0.5+trust))))
	}
	action = min(max(action, 0), req.Limit())

	updated := req.Cache.Belief.Clone()
	encoded, err := json.Marshal(alpha)
	if err != nil {
		return nil, err
	}
	updated[keyCooperation] = encoded
	updated[keyRounds] = []byte(strconv.Itoa(rounds + 1))

	return &Response{Action: action, Belief: updated}, nil
}

func readCooperation(req *Request) ([2]float64, int, error) {
	alpha := [2]float64{1, 1}
	if len(req.BotState.Belief) >= 2 && req.BotState.Belief[0] > 0 && req.BotState.Belief[1] > 0 {
		alpha = [2]float64{req.BotState.Belief[0], req.BotState.Belief[1]}
	}
	rounds := 0

	b := req.Cache.Belief
	if raw, ok := b[keyCooperation]; ok {
		if err := json.Unmarshal(raw, &alpha); err != nil {
			return alpha, 0, fmt.Errorf("corrupt cached belief %q: %w", keyCooperation, err)
		}
	}
	if raw, ok := b[keyRounds]; ok {
		n, err := strconv.Atoi(string(raw))
		if err != nil {
			return alpha, 0, fmt.Errorf("corrupt cached belief %q: %w", keyRounds, err)
		}
		rounds = n
	}
	return alpha, rounds, nil
}

func observe(alpha [2]float64, ratio float64) [2]float64 {
	ratio = clamp01(ratio)
	return [2]float64{alpha[0] + ratio, alpha[1] + 1 - ratio}
}

func goalWeights(coeffs []float64) (money, trust float64) {
	if len(coeffs) < 2 {
		return 0.5, 0.5
	}
	sum := coeffs[0] + coeffs[1]
	if sum <= 0 {
		return 0.5, 0.5
	}
	return coeffs[0] / sum, coeffs[1] / sum
}

func clamp01(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}
