package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tokenvote/auth"
	"tokenvote/claim"
	"tokenvote/issue"
	"tokenvote/token"
)

type ctxKey int

const (
	ctxKeyAccountID ctxKey = iota
)

const maxBodyBytes = 1 << 20

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (string, error)
}

type claimService interface {
	Claim(ctx context.Context, caller string) (claim.Record, error)
	HasClaimed(ctx context.Context, account string) (bool, error)
}

type tokenService interface {
	Balance(ctx context.Context, account string) (uint64, error)
	Supply(ctx context.Context) (uint64, error)
	Transfer(ctx context.Context, params token.TransferParams) error
}

type issueService interface {
	Create(ctx context.Context, params issue.CreateParams) (uint64, error)
	Vote(ctx context.Context, params issue.VoteParams) (issue.VoteResult, error)
	Get(ctx context.Context, id uint64) (issue.Snapshot, error)
	List(ctx context.Context, filters issue.ListFilters) (issue.ListResult, error)
}

// Server holds the HTTP handlers. Handlers read the caller from the request
// context; authenticate puts it there.
type Server struct {
	authService  authService
	claimService claimService
	tokenService tokenService
	issueService issueService
	metrics      http.Handler
	logger       *slog.Logger
}

func NewServer(authSvc authService, claimSvc claimService, tokenSvc tokenService, issueSvc issueService, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		authService:  authSvc,
		claimService: claimSvc,
		tokenService: tokenSvc,
		issueService: issueSvc,
		metrics:      metrics,
		logger:       logger,
	}
}

// Routes returns the root handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/accounts", s.handleAccounts)
	mux.HandleFunc("/api/accounts/", s.handleAccountDetail)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/claims", s.handleClaims)
	mux.HandleFunc("/api/supply", s.handleSupply)
	mux.HandleFunc("/api/transfers", s.handleTransfers)
	mux.HandleFunc("/api/issues", s.handleIssues)
	mux.HandleFunc("/api/issues/", s.handleIssueDetail)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return s.logRequests(s.authenticate(mux))
}

// authenticate resolves a Bearer token into the caller account. Requests
// without an Authorization header pass through anonymously.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "expected a Bearer token")
			return
		}
		accountID, err := s.authService.VerifyToken(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyAccountID, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"module", "api",
			"layer", "transport",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Accounts and sessions.

type accountResponse struct {
	ID        string `json:"id"`
	Handle    string `json:"handle"`
	CreatedAt string `json:"createdAt"`
}

type sessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	AccountID string `json:"accountId"`
}

type balanceResponse struct {
	AccountID string `json:"accountId"`
	Balance   uint64 `json:"balance"`
	Claimed   bool   `json:"claimed"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req auth.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	account, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidHandle), errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, auth.ErrDuplicateHandle):
			writeError(w, http.StatusConflict, "duplicate_handle", err.Error())
		default:
			s.internalError(w, r, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, accountResponse{
		ID:        account.ID,
		Handle:    account.Handle,
		CreatedAt: account.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// handleAccountDetail serves /api/accounts/{id}/balance.
func (s *Server) handleAccountDetail(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/accounts/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "balance" {
		writeError(w, http.StatusNotFound, "not_found", "unknown account resource")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	accountID := parts[0]

	balance, err := s.tokenService.Balance(r.Context(), accountID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	claimed, err := s.claimService.HasClaimed(r.Context(), accountID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: balance, Claimed: claimed})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req auth.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
			return
		}
		s.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt.UTC().Format(time.RFC3339),
		AccountID: result.Account.ID,
	})
}

// Claims, supply and transfers.

type claimResponse struct {
	AccountID string `json:"accountId"`
	Amount    uint64 `json:"amount"`
	ClaimedAt string `json:"claimedAt"`
}

type supplyResponse struct {
	TotalSupply uint64 `json:"totalSupply"`
	SupplyCap   uint64 `json:"supplyCap"`
	Allotment   uint64 `json:"allotment"`
}

type transferRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type transferResponse struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

func (s *Server) handleClaims(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	record, err := s.claimService.Claim(r.Context(), caller)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, claimResponse{
		AccountID: record.AccountID,
		Amount:    record.Amount,
		ClaimedAt: record.ClaimedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	supply, err := s.tokenService.Supply(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, supplyResponse{
		TotalSupply: supply,
		SupplyCap:   claim.SupplyCap,
		Allotment:   claim.Allotment,
	})
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}

	params := token.TransferParams{From: caller, To: strings.TrimSpace(req.To), Amount: req.Amount}
	if err := s.tokenService.Transfer(r.Context(), params); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, transferResponse{From: params.From, To: params.To, Amount: params.Amount})
}

// Issues.

type issueResponse struct {
	ID           uint64   `json:"id"`
	Description  string   `json:"description"`
	Quorum       uint64   `json:"quorum"`
	VotesFor     uint64   `json:"votesFor"`
	VotesAgainst uint64   `json:"votesAgainst"`
	VotesAbstain uint64   `json:"votesAbstain"`
	TotalVotes   uint64   `json:"totalVotes"`
	Closed       bool     `json:"closed"`
	Passed       bool     `json:"passed"`
	CreatorID    string   `json:"creatorId"`
	CreatedAt    string   `json:"createdAt"`
	ClosedAt     *string  `json:"closedAt,omitempty"`
	Voters       []string `json:"voters,omitempty"`
}

type createIssueRequest struct {
	Description string `json:"description"`
	Quorum      uint64 `json:"quorum"`
}

type voteRequest struct {
	Choice string `json:"choice"`
}

type voteResponse struct {
	IssueID    uint64        `json:"issueId"`
	Choice     string        `json:"choice"`
	Weight     uint64        `json:"weight"`
	VoterIndex int           `json:"voterIndex"`
	ClosedNow  bool          `json:"closedNow"`
	Issue      issueResponse `json:"issue"`
}

func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListIssues(w, r)
	case http.MethodPost:
		s.handleCreateIssue(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := optionalInt(q.Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "page must be an integer")
		return
	}
	pageSize, err := optionalInt(q.Get("pageSize"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "pageSize must be an integer")
		return
	}

	result, err := s.issueService.List(r.Context(), issue.ListFilters{Page: page, PageSize: pageSize})
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	items := make([]issueResponse, 0, len(result.Items))
	for _, is := range result.Items {
		items = append(items, toIssueResponse(is, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": result.Total,
	})
}

func (s *Server) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req createIssueRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id, err := s.issueService.Create(r.Context(), issue.CreateParams{
		Caller:      caller,
		Description: strings.TrimSpace(req.Description),
		Quorum:      req.Quorum,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

// handleIssueDetail serves /api/issues/{id} and /api/issues/{id}/votes.
func (s *Server) handleIssueDetail(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/issues/"), "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "issue id required")
		return
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "issue id must be a positive integer")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleGetIssue(w, r, id)
	case len(parts) == 2 && parts[1] == "votes":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleVote(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown issue resource")
	}
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request, id uint64) {
	snap, err := s.issueService.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIssueResponse(snap.Issue, snap.Voters))
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request, id uint64) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req voteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	choice, err := issue.ParseChoice(req.Choice)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	result, err := s.issueService.Vote(r.Context(), issue.VoteParams{Caller: caller, IssueID: id, Choice: choice})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, voteResponse{
		IssueID:    id,
		Choice:     string(choice),
		Weight:     result.Weight,
		VoterIndex: result.VoterNumber,
		ClosedNow:  result.ClosedNow,
		Issue:      toIssueResponse(result.Issue, nil),
	})
}

func toIssueResponse(is issue.Issue, voters []string) issueResponse {
	resp := issueResponse{
		ID:           is.ID,
		Description:  is.Description,
		Quorum:       is.Quorum,
		VotesFor:     is.VotesFor,
		VotesAgainst: is.VotesAgainst,
		VotesAbstain: is.VotesAbstain,
		TotalVotes:   is.TotalVotes,
		Closed:       is.Closed,
		Passed:       is.Passed,
		CreatorID:    is.CreatorID,
		CreatedAt:    is.CreatedAt.UTC().Format(time.RFC3339),
		Voters:       voters,
	}
	if is.ClosedAt != nil {
		closedAt := is.ClosedAt.UTC().Format(time.RFC3339)
		resp.ClosedAt = &closedAt
	}
	return resp
}

// Errors and helpers.

type errorResponse struct {
	Error   string  `json:"error"`
	Message string  `json:"message"`
	Quorum  *uint64 `json:"quorum,omitempty"`
	Supply  *uint64 `json:"supply,omitempty"`
}

// writeDomainError maps claim, token and issue failures onto statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var quorumErr *issue.QuorumTooHighError
	switch {
	case errors.As(err, &quorumErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:   "quorum_too_high",
			Message: err.Error(),
			Quorum:  &quorumErr.Quorum,
			Supply:  &quorumErr.Supply,
		})
	case errors.Is(err, claim.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, "already_claimed", err.Error())
	case errors.Is(err, claim.ErrSupplyExhausted):
		writeError(w, http.StatusConflict, "supply_exhausted", err.Error())
	case errors.Is(err, issue.ErrNoWeight):
		writeError(w, http.StatusForbidden, "no_weight", err.Error())
	case errors.Is(err, issue.ErrOutOfRange):
		writeError(w, http.StatusNotFound, "out_of_range", err.Error())
	case errors.Is(err, issue.ErrVotingClosed):
		writeError(w, http.StatusConflict, "voting_closed", err.Error())
	case errors.Is(err, issue.ErrAlreadyVoted):
		writeError(w, http.StatusConflict, "already_voted", err.Error())
	case errors.Is(err, issue.ErrInvalidChoice):
		writeError(w, http.StatusBadRequest, "invalid_choice", err.Error())
	case errors.Is(err, token.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_balance", err.Error())
	case errors.Is(err, token.ErrInvalidAmount), errors.Is(err, token.ErrInvalidTransfer):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("request failed",
		"module", "api",
		"layer", "transport",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err.Error(),
	)
	writeError(w, http.StatusInternalServerError, "internal", "internal server error")
}

func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, _ := r.Context().Value(ctxKeyAccountID).(string)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return "", false
	}
	return caller, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
