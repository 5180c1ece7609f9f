package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/xiaot623/trustgame/internal/client"
	"github.com/xiaot623/trustgame/internal/domain"
	"github.com/xiaot623/trustgame/internal/round"
)

func newRootCmd() *cobra.Command {
	var addr string
	rootCmd := &cobra.Command{
		Use:           "trustgame-player",
		Short:         "Play the trust game against the bot from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:3001", "game server address")

	rootCmd.AddCommand(
		newPlayCmd(&addr),
		newOffloadCmd(&addr),
	)
	return rootCmd
}

func newPlayCmd(addr *string) *cobra.Command {
	var (
		pollInterval time.Duration
		maxPolls     int
		feedback     string
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Register and play every round",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := &player{
				api:      client.NewClient(*addr),
				in:       bufio.NewScanner(cmd.InOrStdin()),
				out:      cmd.OutOrStdout(),
				opts:     round.Options{PollInterval: pollInterval, MaxPolls: maxPolls},
				feedback: feedback,
			}
			return p.run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&pollInterval, "poll", time.Second, "interval between status polls")
	cmd.Flags().IntVar(&maxPolls, "max-polls", 0, "give up after this many polls per round (0 = never)")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback sent with the submission")
	return cmd
}

func newOffloadCmd(addr *string) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "offload",
		Short: "Abandon a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client.NewClient(*addr).Offload(cmd.Context(), userID); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "session %s offloaded\n", userID)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id of the session")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

var defaultAnswers = domain.RegistrationRequest{
	Questionnaire: &domain.QuestionnaireAnswers{MoneyRequest: 15, Lottery1: 1, Lottery2: 1, Lottery3: 1, Trust: 3, Altruism: 3},
	Demographic:   &domain.Demographics{Age: 1, Gender: 0, Education: 3, Robot: 1},
}

type player struct {
	api      *client.Client
	in       *bufio.Scanner
	out      io.Writer
	opts     round.Options
	feedback string
	setup    domain.Setup
}

func (p *player) run(ctx context.Context) error {
	reg, err := p.api.Register(ctx, &defaultAnswers)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	setup := reg.Setup
	p.setup = setup
	fmt.Fprintf(p.out, "Registered as %s. You play the %s.\n", reg.UserID, setup.Role)
	fmt.Fprintf(p.out, "Endowments: investor %d, investee %d. Investments are multiplied by %d.\n",
		setup.Endowments.Investor, setup.Endowments.Investee, setup.K)

	if err := p.api.Play(ctx, reg.UserID); err != nil {
		return fmt.Errorf("start play: %w", err)
	}

	m := round.New(p.api, reg.UserID, setup, p.opts)
	for m.State() != round.Finished {
		if err := p.playRound(ctx, m); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				if offErr := p.api.Offload(context.WithoutCancel(ctx), reg.UserID); offErr != nil {
					fmt.Fprintf(p.out, "Could not offload session: %v\n", offErr)
				}
			}
			fmt.Fprintf(p.out, "Game ended: %v\n", err)
			return err
		}
	}

	earned := domain.ComputeEarnings(m.History(), setup)
	units := earned.Investor
	if setup.Role == domain.RoleInvestee {
		units = earned.Investee
	}
	fmt.Fprintf(p.out, "Game finished after %d rounds. You earned %d units.\n", len(m.History()), units)

	if err := p.api.Finish(ctx, reg.UserID); err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	sub := &domain.SubmitRequest{Answers: json.RawMessage(`{}`)}
	if p.feedback != "" {
		fb, err := json.Marshal(p.feedback)
		if err != nil {
			return err
		}
		sub.Feedback = fb
	}
	if err := p.api.Submit(ctx, reg.UserID, sub); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Fprintln(p.out, "Submitted. Thanks for playing!")
	return nil
}

func (p *player) playRound(ctx context.Context, m *round.Machine) error {
	fmt.Fprintf(p.out, "\n%s\n", m.RoundLabel())
	if m.Role() == domain.RoleInvestee {
		fmt.Fprintln(p.out, "Waiting for the bot to invest...")
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	if m.Role() == domain.RoleInvestee {
		fmt.Fprintf(p.out, "The bot invested %d; you received %d.\n", m.Received(), m.Received()*p.setup.K)
	}

	for {
		amount, err := p.readAmount(m)
		if err != nil {
			return err
		}
		if m.Role() == domain.RoleInvestor {
			fmt.Fprintln(p.out, "Waiting for the bot to return...")
		}
		rec, err := m.Choose(ctx, amount)
		if errors.Is(err, round.ErrAmountOutOfRange) {
			fmt.Fprintf(p.out, "Choose a whole number between 0 and %d.\n", m.Limit())
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(p.out, "Invested %d, returned %d.\n", rec.Invested, rec.Returned)
		break
	}

	if m.State() == round.RoundComplete {
		return m.Next()
	}
	return nil
}

func (p *player) readAmount(m *round.Machine) (int, error) {
	verb := "invest"
	if m.Role() == domain.RoleInvestee {
		verb = "return"
	}
	for {
		fmt.Fprintf(p.out, "How much do you %s (0-%d)? ", verb, m.Limit())
		if !p.in.Scan() {
			if err := p.in.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		amount, err := strconv.Atoi(strings.TrimSpace(p.in.Text()))
		if err != nil {
			fmt.Fprintln(p.out, "Please enter a whole number.")
			continue
		}
		return amount, nil
	}
}
