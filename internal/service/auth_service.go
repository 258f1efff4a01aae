package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// Common auth errors.
var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrSessionAlreadyActive = errors.New("another session is already active, please contact a proctor to reset")
	ErrSessionMissing       = errors.New("no active session")
	ErrSessionInvalidated   = errors.New("session invalidated")
)

// TokenType distinguishes candidate vs admin tokens.
type TokenType string

const (
	TokenTypeCandidate TokenType = "candidate"
	TokenTypeAdmin     TokenType = "admin"
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType   TokenType `json:"token_type"`
	UserID      int       `json:"user_id"`
	RoleID      int       `json:"role_id,omitempty"`     // Admin only
	Permissions []string  `json:"permissions,omitempty"` // Admin only
}

// endSession deletes the session key only while it still holds the caller's
// JTI, so a stale token cannot log out a newer session.
var endSession = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// AuthService handles authentication, JWT, and the candidate single-device session.
type AuthService struct {
	cfg    *config.Config
	rdb    *redis.Client
	parser *jwt.Parser
}

// NewAuthService creates a new AuthService. rdb may be nil for tools that only hash passwords.
func NewAuthService(cfg *config.Config, rdb *redis.Client) *AuthService {
	return &AuthService{
		cfg: cfg,
		rdb: rdb,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// HashPassword hashes a password with the configured bcrypt cost.
func (s *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	return string(hash), err
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func (s *AuthService) CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *AuthService) sign(tokenType TokenType, userID int, jti string, extra func(*Claims)) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.Itoa(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType: tokenType,
		UserID:    userID,
	}
	if extra != nil {
		extra(&claims)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// GenerateCandidateToken creates a JWT for a candidate and claims the
// single-device session with SETNX. A login while another session is live is
// rejected, also when two logins race.
func (s *AuthService) GenerateCandidateToken(ctx context.Context, candidateID int) (string, error) {
	jti := uuid.NewString()
	signed, err := s.sign(TokenTypeCandidate, candidateID, jti, nil)
	if err != nil {
		return "", err
	}

	claimed, err := s.rdb.SetNX(ctx, config.CacheKey.CandidateSessionKey(candidateID), jti, s.cfg.JWTExpiry).Result()
	if err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	if !claimed {
		return "", ErrSessionAlreadyActive
	}
	return signed, nil
}

// GenerateAdminToken creates a JWT for an admin with permissions embedded.
// Admins are not bound to a single device.
func (s *AuthService) GenerateAdminToken(adminID, roleID int, permissions []string) (string, error) {
	return s.sign(TokenTypeAdmin, adminID, uuid.NewString(), func(c *Claims) {
		c.RoleID = roleID
		c.Permissions = permissions
	})
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.TokenType != TokenTypeCandidate && claims.TokenType != TokenTypeAdmin {
		return nil, fmt.Errorf("parse token: %w: unknown token_type %q", jwt.ErrTokenInvalidClaims, claims.TokenType)
	}
	return claims, nil
}

// ValidateCandidateSession checks that the token's JTI matches the active session in Redis.
func (s *AuthService) ValidateCandidateSession(ctx context.Context, candidateID int, jti string) error {
	stored, err := s.rdb.Get(ctx, config.CacheKey.CandidateSessionKey(candidateID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrSessionMissing
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if stored != jti {
		return ErrSessionInvalidated
	}
	return nil
}

// EndCandidateSession logs the candidate out of the session identified by jti.
func (s *AuthService) EndCandidateSession(ctx context.Context, candidateID int, jti string) error {
	key := config.CacheKey.CandidateSessionKey(candidateID)
	if err := endSession.Run(ctx, s.rdb, []string{key}, jti).Err(); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// ResetCandidateSession removes a candidate's session regardless of device.
// Proctors use it when a candidate has to switch machines.
func (s *AuthService) ResetCandidateSession(ctx context.Context, candidateID int) error {
	return s.rdb.Del(ctx, config.CacheKey.CandidateSessionKey(candidateID)).Err()
}
