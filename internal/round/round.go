// Package round drives one participant's rounds against the game API.
//
// A Machine walks the participant through each round: the investor chooses
// an investment and waits for the bot's return; the investee waits for the
// bot's investment and then chooses a return. Waiting is done by polling
// the job status at a fixed interval. A job that ends in any state other
// than completed ends the whole game.
package round

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/trustgame/internal/domain"
)

// State is the position of the machine within a round.
type State int

const (
	NotStarted State = iota
	Choosing
	AwaitingInvestment
	AwaitingOracle
	RoundComplete
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Choosing:
		return "choosing"
	case AwaitingInvestment:
		return "awaiting investment"
	case AwaitingOracle:
		return "awaiting oracle"
	case RoundComplete:
		return "round complete"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrWrongState is returned for an action the current state does not allow.
	ErrWrongState = errors.New("action not allowed in current state")
	// ErrAmountOutOfRange is returned for a transfer outside 0..Limit.
	ErrAmountOutOfRange = errors.New("amount out of range")
	// ErrPollLimit is returned when a job is still not ready after MaxPolls polls.
	ErrPollLimit = errors.New("gave up waiting for the opponent")
)

// JobError reports a job that did not complete.
type JobError struct {
	JobID   string
	State   domain.JobState
	Message string
}

func (e *JobError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("Job %s ended in state %s", e.JobID, e.State)
}

// API is the part of the game API a Machine uses.
type API interface {
	Invest(ctx context.Context, userID string, amount, took int) (string, error)
	PollInvest(ctx context.Context, userID, jobID string) (*domain.InvestPollResponse, error)
	Query(ctx context.Context, userID string) (string, error)
	PollQuery(ctx context.Context, userID, jobID string) (*domain.QueryPollResponse, error)
	Return(ctx context.Context, userID string, returned, took int) (bool, error)
}

// Options tune polling.
type Options struct {
	// PollInterval is the pause between status polls. Defaults to 1s.
	PollInterval time.Duration
	// MaxPolls bounds the polls per job; zero means no bound.
	MaxPolls int
}

// Machine is the round state machine of one participant.
type Machine struct {
	api    API
	userID string
	setup  domain.Setup
	opts   Options
	now    func() time.Time

	state      State
	received   int
	history    []domain.RoundRecord
	choosingAt time.Time
	err        error
}

// New creates a machine for userID playing with setup, as returned at
// registration.
func New(api API, userID string, setup domain.Setup, opts Options) *Machine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Machine{
		api:    api,
		userID: userID,
		setup:  setup,
		opts:   opts,
		now:    time.Now,
		state:  NotStarted,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Err returns the error that ended the game, if any.
func (m *Machine) Err() error { return m.err }

// Role returns the participant's role.
func (m *Machine) Role() domain.Role { return m.setup.Role }

// History returns the rounds played so far, oldest first.
func (m *Machine) History() []domain.RoundRecord {
	return append([]domain.RoundRecord(nil), m.history...)
}

// Received is the bot's investment in the current round (investee only).
func (m *Machine) Received() int { return m.received }

// Limit is the largest amount the participant may choose now.
func (m *Machine) Limit() int {
	if m.setup.Role == domain.RoleInvestor {
		return m.setup.InvestLimit()
	}
	return m.setup.ReturnLimit(m.received)
}

// RoundLabel names the upcoming round. The total is shown only when the
// horizon is disclosed.
func (m *Machine) RoundLabel() string {
	n := len(m.history) + 1
	if m.setup.HorizonDisclosed && m.setup.Horizon > 0 {
		return fmt.Sprintf("Round %d of %d", n, m.setup.Horizon)
	}
	return fmt.Sprintf("Round %d", n)
}

// Start begins a round. The investor moves straight to Choosing; the
// investee first waits for the bot's investment.
func (m *Machine) Start(ctx context.Context) error {
	if m.state != NotStarted {
		return fmt.Errorf("%w: start in %s", ErrWrongState, m.state)
	}
	if m.setup.Role == domain.RoleInvestor {
		m.enterChoosing()
		return nil
	}

	m.state = AwaitingInvestment
	jobID, err := m.api.Query(ctx, m.userID)
	if err != nil {
		return m.fail(err)
	}
	amount, err := m.await(ctx, jobID, func(ctx context.Context) (jobView, error) {
		resp, err := m.api.PollQuery(ctx, m.userID, jobID)
		if err != nil {
			return jobView{}, err
		}
		return jobView{resp.State, resp.Ready, resp.Result.Amount, resp.Error}, nil
	})
	if err != nil {
		return err
	}
	m.received = amount
	m.enterChoosing()
	return nil
}

// Choose submits the participant's transfer and, for the investor, waits
// for the bot's return. It returns the completed round.
func (m *Machine) Choose(ctx context.Context, amount int) (*domain.RoundRecord, error) {
	if m.state != Choosing {
		return nil, fmt.Errorf("%w: choose in %s", ErrWrongState, m.state)
	}
	if amount < 0 || amount > m.Limit() {
		return nil, fmt.Errorf("%w: %d not in [0,%d]", ErrAmountOutOfRange, amount, m.Limit())
	}
	took := int(m.now().Sub(m.choosingAt) / time.Second)

	if m.setup.Role == domain.RoleInvestee {
		finished, err := m.api.Return(ctx, m.userID, amount, took)
		if err != nil {
			return nil, m.fail(err)
		}
		return m.complete(domain.RoundRecord{Invested: m.received, Returned: amount, Took: domain.Took{Human: took}}, finished), nil
	}

	m.state = AwaitingOracle
	jobID, err := m.api.Invest(ctx, m.userID, amount, took)
	if err != nil {
		return nil, m.fail(err)
	}
	sentAt := m.now()
	var finished bool
	returned, err := m.await(ctx, jobID, func(ctx context.Context) (jobView, error) {
		resp, err := m.api.PollInvest(ctx, m.userID, jobID)
		if err != nil {
			return jobView{}, err
		}
		finished = resp.Result.Finished
		return jobView{resp.State, resp.Ready, resp.Result.Amount, resp.Error}, nil
	})
	if err != nil {
		return nil, err
	}
	bot := int(m.now().Sub(sentAt) / time.Second)
	return m.complete(domain.RoundRecord{Invested: amount, Returned: returned, Took: domain.Took{Bot: bot, Human: took}}, finished), nil
}

// Next leaves RoundComplete for the next round.
func (m *Machine) Next() error {
	if m.state != RoundComplete {
		return fmt.Errorf("%w: next in %s", ErrWrongState, m.state)
	}
	m.state = NotStarted
	m.received = 0
	return nil
}

func (m *Machine) enterChoosing() {
	m.state = Choosing
	m.choosingAt = m.now()
}

func (m *Machine) complete(rec domain.RoundRecord, finished bool) *domain.RoundRecord {
	m.history = append(m.history, rec)
	if finished {
		m.state = Finished
	} else {
		m.state = RoundComplete
	}
	return &rec
}

func (m *Machine) fail(err error) error {
	m.state = Failed
	m.err = err
	return err
}

type jobView struct {
	state  domain.JobState
	ready  bool
	amount *int
	errMsg string
}

// await polls until the job is ready and returns its transfer. Cancelling
// ctx abandons the wait without failing the game.
func (m *Machine) await(ctx context.Context, jobID string, poll func(context.Context) (jobView, error)) (int, error) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		v, err := poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, m.fail(err)
		}
		if v.ready {
			switch {
			case v.errMsg != "" || v.state != domain.JobStateCompleted:
				return 0, m.fail(&JobError{JobID: jobID, State: v.state, Message: v.errMsg})
			case v.amount == nil:
				return 0, m.fail(fmt.Errorf("job %s completed without a transfer", jobID))
			}
			return *v.amount, nil
		}
		if m.opts.MaxPolls > 0 && polls >= m.opts.MaxPolls {
			return 0, m.fail(fmt.Errorf("%w: job %s after %d polls", ErrPollLimit, jobID, polls))
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
