package issue

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange signals an issue ID that was never assigned. It is a
	// bounds failure, not a voting rule.
	ErrOutOfRange = errors.New("issue: id out of range")

	ErrNoWeight      = errors.New("issue: caller holds no voting weight")
	ErrQuorumTooHigh = errors.New("issue: quorum exceeds total supply")
	ErrVotingClosed  = errors.New("issue: voting closed")
	ErrAlreadyVoted  = errors.New("issue: already voted")
	ErrInvalidChoice = errors.New("issue: invalid choice")
)

// QuorumTooHighError carries the rejected quorum and the supply it was
// checked against.
type QuorumTooHighError struct {
	Quorum uint64
	Supply uint64
}

func (e *QuorumTooHighError) Error() string {
	return fmt.Sprintf("issue: quorum %d exceeds total supply %d", e.Quorum, e.Supply)
}

func (e *QuorumTooHighError) Unwrap() error {
	return ErrQuorumTooHigh
}

func outOfRange(id uint64) error {
	return fmt.Errorf("%w: %d", ErrOutOfRange, id)
}
