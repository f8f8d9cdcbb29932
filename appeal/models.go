package appeal

import "time"

// Status represents the lifecycle of an appeal.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusUpheld      Status = "upheld"
	StatusRejected    Status = "rejected"
)

// Record mirrors the appeals table.
type Record struct {
	ID         string
	TellID     string
	AuthorID   string
	Reason     string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// ResolveParams carries a moderator's verdict.
type ResolveParams struct {
	ReviewerID string
	Admin      bool
	AppealID   string
	Upheld     bool
}
