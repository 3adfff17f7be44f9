package dto

import "time"

type InterpretRequest struct {
	Input string `json:"input" validate:"required,max=20000"`
}

type InterpretationResponse struct {
	ID        string    `json:"id"`
	Tier      string    `json:"tier"`
	Model     string    `json:"model"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}
