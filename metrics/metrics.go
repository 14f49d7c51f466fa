// Package metrics exposes Prometheus counters for the governance core.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Governance counts claim, issue and vote activity. A nil *Governance is
// valid and records nothing, so services never have to nil-check it.
type Governance struct {
	Claims        atomic.Uint64
	IssuesCreated atomic.Uint64
	Votes         atomic.Uint64
	IssuesClosed  atomic.Uint64

	claimsCounter   prometheus.Counter
	mintedCounter   prometheus.Counter
	issuesCounter   prometheus.Counter
	votesCounter    *prometheus.CounterVec
	weightCounter   *prometheus.CounterVec
	closedCounter   *prometheus.CounterVec
	rejectedCounter *prometheus.CounterVec
	registerOnce    sync.Once
}

func New() *Governance {
	return &Governance{}
}

// Register registers the Prometheus collectors with registry. It is a no-op
// for a nil registry and for every call after the first.
func (m *Governance) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}

	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.claimsCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenvote_claims_total",
			Help: "Total number of successful token claims",
		})
		m.mintedCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenvote_tokens_minted_total",
			Help: "Total number of tokens minted by claims",
		})
		m.issuesCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenvote_issues_created_total",
			Help: "Total number of issues created",
		})
		m.votesCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvote_votes_total",
			Help: "Total number of votes cast by choice",
		}, []string{"choice"})
		m.weightCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvote_vote_weight_total",
			Help: "Total token weight cast by choice",
		}, []string{"choice"})
		m.closedCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvote_issues_closed_total",
			Help: "Total number of issues that reached quorum by outcome",
		}, []string{"outcome"})
		m.rejectedCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvote_rejections_total",
			Help: "Total number of rejected operations by operation and reason",
		}, []string{"operation", "reason"})
	})
}

// ClaimMinted records a successful claim of amount tokens.
func (m *Governance) ClaimMinted(amount uint64) {
	if m == nil {
		return
	}
	m.Claims.Add(1)
	if m.claimsCounter != nil {
		m.claimsCounter.Inc()
		m.mintedCounter.Add(float64(amount))
	}
}

// IssueCreated records a new issue.
func (m *Governance) IssueCreated() {
	if m == nil {
		return
	}
	m.IssuesCreated.Add(1)
	if m.issuesCounter != nil {
		m.issuesCounter.Inc()
	}
}

// VoteCast records one vote of weight for choice.
func (m *Governance) VoteCast(choice string, weight uint64) {
	if m == nil {
		return
	}
	m.Votes.Add(1)
	if m.votesCounter != nil {
		m.votesCounter.WithLabelValues(choice).Inc()
		m.weightCounter.WithLabelValues(choice).Add(float64(weight))
	}
}

// IssueClosed records an issue reaching quorum.
func (m *Governance) IssueClosed(passed bool) {
	if m == nil {
		return
	}
	m.IssuesClosed.Add(1)
	if m.closedCounter != nil {
		outcome := "failed"
		if passed {
			outcome = "passed"
		}
		m.closedCounter.WithLabelValues(outcome).Inc()
	}
}

// Rejected records a precondition failure.
func (m *Governance) Rejected(operation, reason string) {
	if m == nil {
		return
	}
	if m.rejectedCounter != nil {
		m.rejectedCounter.WithLabelValues(operation, reason).Inc()
	}
}
