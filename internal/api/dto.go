package api

import (
	"github.com/samcharles93/ktune/internal/archive"
	"github.com/samcharles93/ktune/internal/result"
)

// CreateSessionRequest starts a plan in the background.
type CreateSessionRequest struct {
	// Plan is the HCL source of the plan.
	Plan     string `json:"plan"`
	Filename string `json:"filename,omitempty"`
	// Backend and Devices override the plan's backend block.
	Backend string `json:"backend,omitempty"`
	Devices int    `json:"devices,omitempty"`
}

type SessionList struct {
	Object string            `json:"object"`
	Data   []archive.Session `json:"data"`
}

type ResultList struct {
	Object    string          `json:"object"`
	SessionID string          `json:"session_id"`
	Data      []result.Result `json:"data"`
	Summary   result.Summary  `json:"summary"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
