package issue

import (
	"strings"
	"time"
)

// Choice is the option a voter selects on an issue.
type Choice string

const (
	ChoiceFor     Choice = "for"
	ChoiceAgainst Choice = "against"
	ChoiceAbstain Choice = "abstain"
)

// ParseChoice accepts the wire spelling of a choice, case-insensitively.
func ParseChoice(raw string) (Choice, error) {
	choice := Choice(strings.ToLower(strings.TrimSpace(raw)))
	if !choice.Valid() {
		return "", ErrInvalidChoice
	}
	return choice, nil
}

func (c Choice) Valid() bool {
	switch c {
	case ChoiceFor, ChoiceAgainst, ChoiceAbstain:
		return true
	default:
		return false
	}
}

// Issue mirrors the issues table. Description, Quorum and CreatorID never
// change after creation; tallies only grow until Closed flips.
type Issue struct {
	ID           uint64
	Description  string
	Quorum       uint64
	VotesFor     uint64
	VotesAgainst uint64
	VotesAbstain uint64
	TotalVotes   uint64
	VoterCount   int
	Closed       bool
	Passed       bool
	CreatorID    string
	CreatedAt    time.Time
	ClosedAt     *time.Time
}

// Snapshot is the read projection of an issue with its voters in the order
// they voted.
type Snapshot struct {
	Issue
	Voters []string
}

// Ballot is a single recorded vote.
type Ballot struct {
	IssueID   uint64
	AccountID string
	Position  int
	Choice    Choice
	Weight    uint64
	CastAt    time.Time
}

// ListFilters paginates issue listings.
type ListFilters struct {
	Page     int
	PageSize int
}

// ListResult carries one page of issues and the total count.
type ListResult struct {
	Items []Issue
	Total uint64
}
