package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
)

func newAuth(t *testing.T) (*AuthService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour, BcryptCost: 4}
	return NewAuthService(cfg, rdb), mr
}

func TestCandidateSessionLifecycle(t *testing.T) {
	auth, mr := newAuth(t)
	ctx := context.Background()

	token, err := auth.GenerateCandidateToken(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.TokenType != TokenTypeCandidate || claims.UserID != 7 {
		t.Fatalf("claims = %+v", claims)
	}
	if err := auth.ValidateCandidateSession(ctx, 7, claims.ID); err != nil {
		t.Fatalf("fresh session rejected: %v", err)
	}
	if ttl := mr.TTL(config.CacheKey.CandidateSessionKey(7)); ttl != time.Hour {
		t.Errorf("session ttl = %v, want 1h", ttl)
	}

	if _, err := auth.GenerateCandidateToken(ctx, 7); !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("second login: err = %v, want ErrSessionAlreadyActive", err)
	}
	if err := auth.ValidateCandidateSession(ctx, 7, "other-jti"); !errors.Is(err, ErrSessionInvalidated) {
		t.Fatalf("foreign jti: err = %v", err)
	}

	if err := auth.ResetCandidateSession(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if err := auth.ValidateCandidateSession(ctx, 7, claims.ID); !errors.Is(err, ErrSessionMissing) {
		t.Fatalf("after reset: err = %v, want ErrSessionMissing", err)
	}
	if _, err := auth.GenerateCandidateToken(ctx, 7); err != nil {
		t.Fatalf("login after reset: %v", err)
	}
}

func TestAdminTokenAndPasswords(t *testing.T) {
	auth, _ := newAuth(t)

	token, err := auth.GenerateAdminToken(1, 2, []string{"attempts:read"})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.TokenType != TokenTypeAdmin || claims.RoleID != 2 || len(claims.Permissions) != 1 {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := auth.ValidateToken(token + "x"); err == nil {
		t.Fatalf("tampered token accepted")
	}

	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if err := auth.CheckPassword(hash, "s3cret"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
	if err := auth.CheckPassword(hash, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: err = %v", err)
	}
}

func TestEndCandidateSessionIgnoresStaleToken(t *testing.T) {
	auth, mr := newAuth(t)
	ctx := context.Background()

	first, err := auth.GenerateCandidateToken(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	old, _ := auth.ValidateToken(first)

	// A proctor reset lets the candidate log in on a new device.
	if err := auth.ResetCandidateSession(ctx, 9); err != nil {
		t.Fatal(err)
	}
	second, err := auth.GenerateCandidateToken(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	current, _ := auth.ValidateToken(second)

	if err := auth.EndCandidateSession(ctx, 9, old.ID); err != nil {
		t.Fatal(err)
	}
	if err := auth.ValidateCandidateSession(ctx, 9, current.ID); err != nil {
		t.Fatalf("stale logout ended the new session: %v", err)
	}

	if err := auth.EndCandidateSession(ctx, 9, current.ID); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(config.CacheKey.CandidateSessionKey(9)) {
		t.Fatal("session key still present after logout")
	}
}

func TestConcurrentCandidateLoginsClaimOneSession(t *testing.T) {
	auth, _ := newAuth(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := auth.GenerateCandidateToken(ctx, 3)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrSessionAlreadyActive):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || rejected.Load() != 7 {
		t.Fatalf("ok = %d rejected = %d, want 1 and 7", ok.Load(), rejected.Load())
	}
}
