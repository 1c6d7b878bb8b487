package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	PermViewer     Permission = "viewer"
	PermOperator   Permission = "operator"
	PermCalibrator Permission = "calibrator"
	PermAdmin      Permission = "admin"
)

var (
	// ErrInvalidCredentials covers unknown users and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while an account is locked after repeated failures.
	ErrAccountLocked = errors.New("account locked")
	// ErrInvalidToken is returned for tokens that are neither a valid JWT nor a known machine token.
	ErrInvalidToken = errors.New("invalid or expired token")
)

type user struct {
	username     string
	passwordHash string
	role         string

	failed      int
	lockedUntil time.Time
}

type machineToken struct {
	name        string
	hash        string
	permissions []Permission
}

// AuthService authenticates against the users and machine tokens of the
// configuration. With auth disabled every request gets all permissions.
type AuthService struct {
	enabled         bool
	jwtHandler      *JWTHandler
	passwordHasher  *PasswordHasher
	machineTokenGen *MachineTokenGenerator
	logger          *zap.Logger

	maxFailed int
	lockFor   time.Duration
	mu        sync.Mutex
	users     map[string]*user
	tokens    []machineToken
	nowFunc   func() time.Time
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	a := &AuthService{
		enabled:         cfg.Enabled,
		jwtHandler:      NewJWTHandler(cfg.GetJWTSecret(), ttl),
		passwordHasher:  NewPasswordHasher(),
		machineTokenGen: NewMachineTokenGenerator(),
		logger:          logger,
		maxFailed:       cfg.MaxFailedLoginAttempts,
		lockFor:         cfg.AccountLockDuration,
		users:           make(map[string]*user, len(cfg.Users)),
		nowFunc:         time.Now,
	}

	for _, u := range cfg.Users {
		a.users[strings.ToLower(u.Username)] = &user{
			username:     u.Username,
			passwordHash: u.PasswordHash,
			role:         u.Role,
		}
	}
	for _, t := range cfg.MachineTokens {
		perms := make([]Permission, len(t.Permissions))
		for i, p := range t.Permissions {
			perms[i] = Permission(p)
		}
		a.tokens = append(a.tokens, machineToken{name: t.Name, hash: strings.ToLower(t.TokenHash), permissions: perms})
	}

	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("JWT secret not set or too short, using development secret",
			zap.String("env", cfg.JWTSecretEnv))
	}

	return a
}

// Enabled reports whether authentication is enforced.
func (a *AuthService) Enabled() bool {
	return a.enabled
}

// TokenTTL returns the lifetime of issued access tokens.
func (a *AuthService) TokenTTL() time.Duration {
	return a.jwtHandler.TTL()
}

// LoginUser checks the password and returns a signed access token.
func (a *AuthService) LoginUser(ctx context.Context, username, password, ipAddress string) (string, error) {
	a.mu.Lock()
	u, ok := a.users[strings.ToLower(username)]
	if !ok {
		a.mu.Unlock()
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "unknown user"))
		return "", ErrInvalidCredentials
	}
	if now := a.nowFunc(); now.Before(u.lockedUntil) {
		until := u.lockedUntil
		a.mu.Unlock()
		return "", fmt.Errorf("%w until %s", ErrAccountLocked, until.Format(time.RFC3339))
	}
	hash := u.passwordHash
	a.mu.Unlock()

	valid, err := a.passwordHasher.VerifyPassword(password, hash)
	if err != nil || !valid {
		a.recordFailure(u)
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "invalid password"))
		return "", ErrInvalidCredentials
	}

	a.mu.Lock()
	u.failed = 0
	a.mu.Unlock()

	token, err := a.jwtHandler.GenerateAccessToken(u.username, u.role)
	if err != nil {
		return "", fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logger.Info("User logged in", zap.String("username", u.username), zap.String("role", u.role), zap.String("ip", ipAddress))
	return token, nil
}

func (a *AuthService) recordFailure(u *user) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u.failed++
	if a.maxFailed > 0 && u.failed >= a.maxFailed {
		u.lockedUntil = a.nowFunc().Add(a.lockFor)
		u.failed = 0
		a.logger.Warn("Account locked", zap.String("username", u.username), zap.Duration("duration", a.lockFor))
	}
}

// ValidateMachineToken looks up a static token and returns its permissions.
func (a *AuthService) ValidateMachineToken(token string) (string, []Permission, error) {
	if !a.machineTokenGen.ValidateTokenFormat(token) {
		return "", nil, ErrInvalidToken
	}
	hash := a.machineTokenGen.HashToken(token)
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(t.hash)) == 1 {
			return t.name, t.permissions, nil
		}
	}
	return "", nil, ErrInvalidToken
}

// ValidateToken accepts a JWT or a machine token and returns the caller's
// name and permissions.
func (a *AuthService) ValidateToken(token string) (string, []Permission, error) {
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return claims.Subject, RoleToPermissions(claims.Role), nil
	}
	return a.ValidateMachineToken(token)
}

// RoleToPermissions expands a role into the permissions it grants.
func RoleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermViewer, PermOperator, PermCalibrator, PermAdmin}
	case "calibrator":
		return []Permission{PermViewer, PermOperator, PermCalibrator}
	case "operator":
		return []Permission{PermViewer, PermOperator}
	default:
		return []Permission{PermViewer}
	}
}

// HashPassword returns an argon2id hash suitable for the users section of
// the configuration.
func (a *AuthService) HashPassword(password string) (string, error) {
	return a.passwordHasher.HashPassword(password)
}
