// Package gameinit assigns experimental conditions and sets up the bot a new
// participant plays against.
package gameinit

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/trustgame/internal/domain"
)

// Params are the game parameters shared by every participant.
type Params struct {
	Horizon           int
	K                 int
	InvestorEndowment int
	InvesteeEndowment int
	UnitToDollarRatio float64
	LookAhead         int
}

// Result is everything decided when a participant registers.
type Result struct {
	Condition domain.Condition
	Bot       domain.BotSetup
	Setup     domain.Setup
}

// Generator draws conditions and ids. It is safe for concurrent use.
type Generator struct {
	params Params

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a generator. A nil rng uses a randomly seeded source.
func New(params Params, rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Generator{params: params, rng: rng}
}

// Init draws a condition and derives the bot and game setup from answers.
func (g *Generator) Init(answers domain.QuestionnaireAnswers) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	cond := domain.Condition{HorizonDisclosed: g.flip(), Role: domain.RoleInvestee}
	if g.flip() {
		cond.Role = domain.RoleInvestor
	}
	cond.Prior = g.flip()
	cond.BotCoeffs = g.rng.IntN(len(goalCoeffsByType))

	return Result{
		Condition: cond,
		Bot: domain.BotSetup{
			Params:       BotParams(g.params.LookAhead, cond.BotCoeffs, cond.Role),
			InitialState: g.initialState(answers, cond.Prior, cond.Role),
		},
		Setup: domain.Setup{
			K:                 g.params.K,
			UnitToDollarRatio: g.params.UnitToDollarRatio,
			Horizon:           g.params.Horizon,
			HorizonDisclosed:  cond.HorizonDisclosed,
			Role:              cond.Role,
			Endowments: domain.Endowments{
				Investor: g.params.InvestorEndowment,
				Investee: g.params.InvesteeEndowment,
			},
		},
	}
}

const idChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// MakeID returns a random id of n lowercase letters and digits.
func (g *Generator) MakeID(n int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(idChars[g.rng.IntN(len(idChars))])
	}
	return b.String()
}

// RequestToken returns the 20 character token handed out on submission.
func RequestToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
}

func (g *Generator) flip() bool {
	return g.rng.Float64() < 0.5
}

// goalCoeffsByType are [money, trust] weights of the selfless, neutral and
// greedy bots.
var goalCoeffsByType = [][2]float64{{.3, .7}, {.5, .5}, {.8, .2}}

var botTypes = []string{"selfless", "neutral", "greedy"}

// BotType names the bot drawn for coeffs.
func BotType(coeffs int) string {
	if coeffs < 0 || coeffs >= len(botTypes) {
		return fmt.Sprintf("unknown(%d)", coeffs)
	}
	return botTypes[coeffs]
}

// BotParams returns the bot's static parameters. role is the participant's.
// A bot that invests plans two rounds ahead; a bot that returns plans as far
// as lookAheadLimit.
func BotParams(lookAheadLimit, coeffs int, role domain.Role) domain.BotParams {
	lookAhead := lookAheadLimit
	if role == domain.RoleInvestee {
		lookAhead = 2
	}
	gc := goalCoeffsByType[coeffs]
	return domain.BotParams{
		GoalCoeffs: []float64{gc[0], gc[1]},
		MetaParams: domain.MetaParams{
			Alpha:          1000,
			DiscountFactor: 0.8,
			LookAhead:      lookAhead,
		},
		UsesHeuristics: true,
	}
}

func (g *Generator) initialState(answers domain.QuestionnaireAnswers, informed bool, role domain.Role) domain.BotState {
	return domain.BotState{
		IsInvestee: role == domain.RoleInvestor,
		Belief:     EstimateGoalCoeffs(answers, informed),
		Trust:      EstimateTrust(answers, informed),
		MetaParamsEstimations: domain.MetaParamsEstimations{
			Alpha:          g.estimateRationality(answers, informed, role),
			LookAhead:      EstimateLookAhead(answers, informed, role, g.params.LookAhead),
			DiscountFactor: 0.8,
		},
	}
}

// EstimateTrust maps the 1..5 trust answer to the bot's prior on the
// participant's trust.
func EstimateTrust(answers domain.QuestionnaireAnswers, informed bool) float64 {
	if !informed {
		return 0.5
	}
	return -0.1 + 0.2*float64(answers.Trust)
}

// EstimateGoalCoeffs maps the 1..5 altruism answer to the bot's belief about
// the participant's [money, trust] weights.
func EstimateGoalCoeffs(answers domain.QuestionnaireAnswers, informed bool) []float64 {
	if !informed {
		return []float64{1, 1}
	}
	a := float64(answers.Altruism)
	return []float64{2.25 - 0.25*a, 0.75 + 0.25*a}
}

var lookAheadPriors = []domain.Distribution{
	{Values: []int{0}},
	{Probs: []float64{1. / 3, 2. / 3}, Values: []int{0, 1}},
	{Probs: []float64{1. / 8, 2. / 8, 5. / 8}, Values: []int{0, 1, 2}},
	{Probs: []float64{1. / 13, 2. / 13, 5. / 13, 5. / 13}, Values: []int{0, 1, 2, 3}},
	{Probs: []float64{1. / 14, 2. / 14, 5. / 14, 5. / 14, 1. / 14}, Values: []int{0, 1, 2, 3, 4}},
}

// EstimateLookAhead returns the bot's prior over the participant's planning
// depth, capped by limit.
func EstimateLookAhead(answers domain.QuestionnaireAnswers, informed bool, role domain.Role, limit int) domain.LookAheadEstimate {
	idx := min(max(limit, 0), len(lookAheadPriors)-1)
	est := domain.LookAheadEstimate{
		Prior:    lookAheadPriors[idx],
		Simplify: role == domain.RoleInvestor,
	}
	if informed {
		v := 20 - answers.MoneyRequest
		est.Estimated = &v
	}
	return est
}

// correctLotteryPreferences are the expected-value maximising answers.
var correctLotteryPreferences = [3]int{0, 2, 1}

// RationalityEstimate returns the mean and deviation of the bot's prior on
// the participant's rationality. Each lottery answer moves the mean up or
// down by a step that halves every time, starting from 16.
func RationalityEstimate(answers domain.QuestionnaireAnswers, informed bool) (mean, dev float64) {
	const base = 16.0
	if !informed {
		return 2 * base, 8
	}
	actual := [3]int{answers.Lottery1, answers.Lottery2, answers.Lottery3}
	mean, step := base, base
	right := 0
	for i, want := range correctLotteryPreferences {
		if actual[i] == want {
			mean += step
			right++
		} else {
			mean = max(mean-step, 0)
		}
		step /= 2
	}
	dev = 16
	if right == 0 || right == len(actual) {
		dev = 8
	}
	return mean, dev
}

func (g *Generator) estimateRationality(answers domain.QuestionnaireAnswers, informed bool, role domain.Role) []float64 {
	mean, dev := RationalityEstimate(answers, informed)
	if role == domain.RoleInvestor {
		return []float64{mean}
	}
	samples := make([]float64, 3)
	for i := range samples {
		s := g.rng.NormFloat64()*dev + mean
		for s <= 0 {
			s = g.rng.NormFloat64()*dev + mean
		}
		samples[i] = s
	}
	return samples
}

// ComprehensionKey is the correct comprehension answer read as a number.
const ComprehensionKey = 684

// ComprehensionAnswer reads three digits as one number.
func ComprehensionAnswer(answers []int) (int, error) {
	if len(answers) != 3 {
		return 0, fmt.Errorf("%w: expected 3 comprehension answers, got %d", domain.ErrValidation, len(answers))
	}
	return 100*answers[0] + 10*answers[1] + answers[2], nil
}

var comprehensionTimeBonus = [5]float64{0, 0.2, 0.4, 0.6, 0.8}

// ComprehensionBonus is 1.8 for a correct answer, nothing while attempts
// remain and otherwise grows with each full minute spent, up to four.
func ComprehensionBonus(correct, last bool, elapsed time.Duration) float64 {
	if correct {
		return 1.8
	}
	if !last {
		return 0
	}
	bucket := min(max(int(elapsed/time.Minute), 0), len(comprehensionTimeBonus)-1)
	return comprehensionTimeBonus[bucket]
}

// ComprehensionProgress is the status after an attempt.
func ComprehensionProgress(correct, last bool) domain.SessionStatus {
	switch {
	case correct:
		return domain.StatusPassed
	case last:
		return domain.StatusFailed
	}
	return domain.StatusLastChance
}
