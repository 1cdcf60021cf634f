package server

import (
	"time"

	"medconsult/internal/clinical"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// ConsultRequest is the intake payload for one consultation.
type ConsultRequest struct {
	PatientID      string         `json:"patient_id"`
	SessionID      string         `json:"session_id,omitempty"`
	Message        string         `json:"message"`
	Language       string         `json:"language,omitempty"`
	History        []string       `json:"history,omitempty"`
	CapturedFields map[string]any `json:"captured_fields,omitempty"`
	MaxQuestions   int            `json:"max_questions,omitempty"`
	Temperature    float64        `json:"temperature,omitempty"`
}

// Consultation statuses. A consultation is terminal in exactly one of
// completed, abstained, escalated or failed.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusAbstained = "abstained"
	StatusEscalated = "escalated"
	StatusFailed    = "failed"
)

type ConsultMeta struct {
	ConsultID   string                  `json:"consult_id"`
	Status      string                  `json:"status"`
	CreatorType string                  `json:"creator_type"`
	CreatorSub  string                  `json:"creator_sub,omitempty"`
	Source      string                  `json:"source"`
	Request     ConsultRequest          `json:"request"`
	StartedAt   string                  `json:"started_at,omitempty"`
	FinishedAt  string                  `json:"finished_at,omitempty"`
	CreatedAt   string                  `json:"created_at"`
	Error       string                  `json:"error,omitempty"`
	Signals     *clinical.SignalSet     `json:"signals,omitempty"`
	Plan        *clinical.Plan          `json:"plan,omitempty"`
	Card        *clinical.DiagnosisCard `json:"card,omitempty"`
	Critic      *clinical.CriticResult  `json:"critic,omitempty"`
	Abstention  *clinical.Abstention    `json:"abstention,omitempty"`
	Summary     string                  `json:"summary,omitempty"`
	DurationMS  int64                   `json:"duration_ms,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	ConsultID string `json:"consult_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type ConsultEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt       string  `json:"generated_at"`
	TotalConsults     int     `json:"total_consults"`
	RunningConsults   int     `json:"running_consults"`
	CompletedConsults int     `json:"completed_consults"`
	AbstainedConsults int     `json:"abstained_consults"`
	EscalatedConsults int     `json:"escalated_consults"`
	FailedConsults    int     `json:"failed_consults"`
	CriticFailures    int     `json:"critic_failures"`
	AverageDuration   int64   `json:"average_duration_ms"`
	AverageConfidence float64 `json:"average_confidence"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
