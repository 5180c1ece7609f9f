package domain

import (
	"encoding/json"
	"time"
)

// Condition is the experimental condition a participant is assigned to.
type Condition struct {
	HorizonDisclosed bool `json:"horizonDisclosed"`
	Role             Role `json:"role"`
	Prior            bool `json:"prior"`
	BotCoeffs        int  `json:"botCoeffs"`
}

// BotSetup groups the opponent's static parameters and initial state.
type BotSetup struct {
	Params       BotParams `json:"params"`
	InitialState BotState  `json:"initialState"`
}

// Participant is the durable record kept for every participant.
type Participant struct {
	UserID             string          `json:"user_id"`
	Condition          Condition       `json:"condition"`
	BotSetup           BotSetup        `json:"bot_setup"`
	GameSetup          Setup           `json:"game_setup"`
	Questionnaire      json.RawMessage `json:"questionnaire,omitempty"`
	TimeSeries         json.RawMessage `json:"time_series,omitempty"`
	Demographic        json.RawMessage `json:"demographic,omitempty"`
	Status             SessionStatus   `json:"status"`
	Comprehension      []int           `json:"comprehension"`
	ComprehensionBonus float64         `json:"comprehension_bonus"`
	History            []RoundRecord   `json:"history,omitempty"`
	Feedback           json.RawMessage `json:"feedback,omitempty"`
	PostQuestionnaire  json.RawMessage `json:"post_questionnaire,omitempty"`
	Earned             *Earnings       `json:"earned,omitempty"`
	RequestToken       string          `json:"request_token,omitempty"`
	GotSetupAt         time.Time       `json:"got_setup_at"`
	PlayStartAt        *time.Time      `json:"play_start_at,omitempty"`
	ProceedAt          *time.Time      `json:"proceed_at,omitempty"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
}

// Submission is the final data written when a participant submits.
type Submission struct {
	History           []RoundRecord
	Feedback          json.RawMessage
	PostQuestionnaire json.RawMessage
	Earned            Earnings
	RequestToken      string
	FinishedAt        time.Time
}
