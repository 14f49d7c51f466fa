package issue

// Apply adds weight to the bucket selected by choice and to the running
// total, counts the voter, then evaluates quorum. It reports whether this
// vote closed the issue. Closing happens here and nowhere else, and Passed is
// only ever set in the same step.
func (i *Issue) Apply(choice Choice, weight uint64) (bool, error) {
	if i.Closed {
		return false, ErrVotingClosed
	}

	switch choice {
	case ChoiceFor:
		i.VotesFor += weight
	case ChoiceAgainst:
		i.VotesAgainst += weight
	case ChoiceAbstain:
		i.VotesAbstain += weight
	default:
		return false, ErrInvalidChoice
	}
	i.TotalVotes += weight
	i.VoterCount++

	if i.TotalVotes >= i.Quorum {
		i.Closed = true
		i.Passed = i.VotesFor > i.VotesAgainst
		return true, nil
	}
	return false, nil
}

// Open reports whether the issue still accepts votes.
func (i Issue) Open() bool {
	return !i.Closed
}
