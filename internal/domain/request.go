package domain

import "encoding/json"

// QuestionnaireAnswers are the pre-game answers used to initialise the bot.
type QuestionnaireAnswers struct {
	MoneyRequest int `json:"moneyRequest"`
	Lottery1     int `json:"lottery1"`
	Lottery2     int `json:"lottery2"`
	Lottery3     int `json:"lottery3"`
	Trust        int `json:"trust"`
	Altruism     int `json:"altruism"`
}

// Demographics are the participant's demographic answers.
type Demographics struct {
	Age       int `json:"age"`
	Gender    int `json:"gender"`
	Education int `json:"education"`
	Robot     int `json:"robot"`
}

// RegistrationRequest is the body of POST /new.
type RegistrationRequest struct {
	Questionnaire *QuestionnaireAnswers `json:"questionnaire"`
	Demographic   *Demographics         `json:"demographic"`
	TimeSeries    json.RawMessage       `json:"timeSeries,omitempty"`
}

// RegistrationResponse is returned by POST /new.
type RegistrationResponse struct {
	UserID string `json:"userId"`
	Setup  Setup  `json:"setup"`
}

// JobResponse carries the id of a submitted (or reused) job.
type JobResponse struct {
	ID string `json:"id"`
}

// JobStatus is the tracker's view of a job at poll time.
type JobStatus struct {
	ID     string
	State  JobState
	Reason string
	Ready  bool
	Amount *int
	Error  string
}

// InvestPollResult is the result part of GET /invest/:jobId.
type InvestPollResult struct {
	Finished bool `json:"finished"`
	Amount   *int `json:"amount,omitempty"`
}

// InvestPollResponse is returned by GET /invest/:jobId.
type InvestPollResponse struct {
	ID     string           `json:"id"`
	State  JobState         `json:"state"`
	Reason string           `json:"reason,omitempty"`
	Ready  bool             `json:"ready"`
	Result InvestPollResult `json:"result"`
	Error  string           `json:"error,omitempty"`
}

// QueryPollResult is the result part of GET /query/:jobId.
type QueryPollResult struct {
	Amount *int `json:"amount,omitempty"`
}

// QueryPollResponse is returned by GET /query/:jobId.
type QueryPollResponse struct {
	ID     string          `json:"id"`
	State  JobState        `json:"state"`
	Reason string          `json:"reason,omitempty"`
	Ready  bool            `json:"ready"`
	Result QueryPollResult `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// ReturnRequest is the body of POST /return.
type ReturnRequest struct {
	UserID   string `json:"userId"`
	Returned *int   `json:"returned"`
	Time     int    `json:"time"`
}

// FinishedResponse reports whether the horizon has been reached.
type FinishedResponse struct {
	Finished bool `json:"finished"`
}

// ComprehensionRequest is the body of POST /comprehension.
type ComprehensionRequest struct {
	Answers  []int `json:"answers"`
	Attempts int   `json:"attempts"`
}

// ComprehensionResponse is returned by POST /comprehension.
type ComprehensionResponse struct {
	Correct bool    `json:"correct"`
	Last    bool    `json:"last"`
	Bonus   float64 `json:"bonus"`
}

// SubmitRequest is the body of POST /submit.
type SubmitRequest struct {
	Answers  json.RawMessage `json:"answers"`
	Feedback json.RawMessage `json:"feedback"`
}
