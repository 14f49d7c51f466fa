package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong handle or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidHandle signals a handle outside [a-z0-9_-]{3,32}.
	ErrInvalidHandle = errors.New("auth: handle must be 3-32 characters of a-z, 0-9, '_' or '-'")
	// ErrInvalidToken signals a token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

const (
	issuer     = "tokenvote"
	defaultTTL = 24 * time.Hour
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_-]{3,32}$`)

// Claims is the JWT payload. AccountID identifies the caller.
type Claims struct {
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// LoginResult bundles the token and account returned after a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Account   Account
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       defaultTTL,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithTTL sets how long issued tokens stay valid.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	handle := normalizeHandle(req.Handle)
	if !handlePattern.MatchString(handle) {
		return nil, ErrInvalidHandle
	}
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	account, err := s.repo.CreateAccount(ctx, CreateAccountParams{
		Handle:       handle,
		PasswordHash: string(passwordHash),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account registered",
		"module", "auth",
		"layer", "application",
		"account_id", account.ID,
		"handle", account.Handle,
	)
	return &account, nil
}

// Login authenticates an account and returns a signed JWT.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	account, err := s.repo.GetAccountByHandle(ctx, normalizeHandle(req.Handle))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, expiresAt, err := s.generateToken(account.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
		Account:   account,
	}, nil
}

// GetAccountByID retrieves account information by ID.
func (s *Service) GetAccountByID(ctx context.Context, accountID string) (*Account, error) {
	account, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// VerifyToken validates a JWT and returns the account ID it was issued to.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || strings.TrimSpace(claims.AccountID) == "" {
		return "", ErrInvalidToken
	}
	return claims.AccountID, nil
}

func (s *Service) generateToken(accountID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		AccountID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}
