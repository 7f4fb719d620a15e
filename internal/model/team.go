package model

import "time"

// Team is a hiring company with a plan and a billing anchor.
type Team struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	PlanName             string    `json:"plan_name"`
	SubscriptionStatus   string    `json:"subscription_status"`
	DefaultPassThreshold int       `json:"default_pass_threshold"`
	DefaultQuestionCount int       `json:"default_question_count"`
	BillingAnchor        time.Time `json:"billing_anchor"`
	StripeCustomerID     *string   `json:"stripe_customer_id"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Job is a posting owned by a team. Nil overrides fall back to the team defaults.
type Job struct {
	ID                 string    `json:"id"`
	TeamID             string    `json:"team_id"`
	Title              string    `json:"title"`
	PassThreshold      *int      `json:"pass_threshold"`
	QuestionCount      *int      `json:"question_count"`
	SuccessRedirectURL *string   `json:"success_redirect_url"`
	FailureRedirectURL *string   `json:"failure_redirect_url"`
	CreatedAt          time.Time `json:"created_at"`
}

// Question is a multiple-choice item. CorrectChoice never leaves the server.
type Question struct {
	ID            string   `json:"id"`
	Prompt        string   `json:"prompt"`
	Choices       []string `json:"choices"`
	CorrectChoice int      `json:"correct_choice"`
}
