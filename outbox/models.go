package outbox

import "time"

// Status is the delivery state of an outbox row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    Status
	Attempts  int
	CreatedAt time.Time
}

const (
	TopicTokensClaimed     = "tokens.claimed"
	TopicTokensTransferred = "tokens.transferred"
	TopicIssueCreated      = "issue.created"
	TopicIssueVoted        = "issue.voted"
	TopicIssueClosed       = "issue.closed"
)
