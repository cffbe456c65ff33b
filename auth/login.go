package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/ids"
	"github.com/patternforge/authcore/store"
)

// Register creates an account and signs it in. Duplicate emails and
// usernames surface as ErrConflict. The raw password is hashed before it
// touches the store and never appears in logs or audit records.
func (s *Service) Register(ctx context.Context, in RegisterInput, origin Origin) (*Result, error) {
	email := normalizeEmail(in.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", common.ErrInvalidArgument)
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", common.ErrInvalidArgument)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}

	now := s.now().UTC()
	user := &store.User{
		ID:           ids.NewEntity(),
		Email:        email,
		Username:     username,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}

	pair, err := s.tokens.IssuePair(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.record(&store.AuditEvent{
		ActorID:  user.ID,
		Action:   "auth.register",
		Resource: string(store.ResourceUser),
		Origin:   origin.Address,
		Success:  true,
	})
	return &Result{User: principalOf(user), Tokens: pair}, nil
}

// Login authenticates a principal. The lockout check runs before any store
// access so that locked identifiers fail fast and cannot be used to probe
// for account existence via timing. On password or MFA failure the counters
// for both the email and the origin are incremented.
//
// When MFA is enabled and no code was submitted, Login returns a challenge
// result carrying no tokens.
func (s *Service) Login(ctx context.Context, email, pass, mfaCode string, origin Origin) (*Result, error) {
	email = normalizeEmail(email)
	keys := []string{emailKey(email), originKey(origin)}

	locked, err := s.lockout.AnyLocked(ctx, keys...)
	if err != nil {
		return nil, err
	}
	if locked {
		s.metrics.LoginLockout()
		s.record(&store.AuditEvent{
			Action:   "auth.login",
			Resource: string(store.ResourceUser),
			Origin:   origin.Address,
			Success:  false,
			Detail:   "lockout engaged",
		})
		return nil, common.ErrTooManyAttempts
	}

	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, s.failLogin(ctx, "", origin, keys, "unknown email")
		}
		return nil, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	if !user.Active {
		return nil, s.failLogin(ctx, user.ID, origin, keys, "inactive account")
	}

	ok, err := s.hasher.Verify(pass, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	if !ok {
		return nil, s.failLogin(ctx, user.ID, origin, keys, "password mismatch")
	}

	if user.MFAEnabled {
		if mfaCode == "" {
			return &Result{User: principalOf(user), MFARequired: true}, nil
		}
		if err := s.verifyMFACode(ctx, user, mfaCode); err != nil {
			if errors.Is(err, common.ErrInvalidCredentials) {
				return nil, s.failLogin(ctx, user.ID, origin, keys, "mfa code rejected")
			}
			return nil, err
		}
	}

	if err := s.lockout.Reset(ctx, keys...); err != nil {
		s.logger.Warn("lockout reset failed", "user_id", user.ID, "error", err)
	}

	pair, err := s.tokens.IssuePair(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Users().TouchLogin(ctx, user.ID, s.now().UTC()); err != nil {
		s.logger.Warn("last-login update failed", "user_id", user.ID, "error", err)
	}

	s.metrics.LoginSuccess()
	s.record(&store.AuditEvent{
		ActorID:  user.ID,
		Action:   "auth.login",
		Resource: string(store.ResourceUser),
		Origin:   origin.Address,
		Success:  true,
	})
	return &Result{User: principalOf(user), Tokens: pair}, nil
}

// failLogin increments the failure counters and returns the generic
// credential error. Counter failures are logged, not surfaced; the attempt
// still fails.
func (s *Service) failLogin(ctx context.Context, userID string, origin Origin, keys []string, detail string) error {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, err := s.lockout.RecordFailure(ctx, key); err != nil {
			s.logger.Warn("failure counter update failed", "key", key, "error", err)
		}
	}
	s.metrics.LoginFailure()
	s.record(&store.AuditEvent{
		ActorID:  userID,
		Action:   "auth.login",
		Resource: string(store.ResourceUser),
		Origin:   origin.Address,
		Success:  false,
		Detail:   detail,
	})
	return common.ErrInvalidCredentials
}

// verifyMFACode decrypts the stored secret, checks the submitted code, and
// advances the last-used step so each code is accepted at most once within
// the drift window.
func (s *Service) verifyMFACode(ctx context.Context, user *store.User, code string) error {
	secret, err := s.cipher.Decrypt(user.MFASecret, s.mfaKey)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	ok, step, err := s.mfa.Verify(string(secret), code)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	if !ok || step <= user.MFALastStep {
		return common.ErrInvalidCredentials
	}
	if err := s.store.Users().UpdateMFALastStep(ctx, user.ID, step); err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	return nil
}

// Refresh exchanges a refresh token for a new pair. Token-level failures are
// collapsed into the generic credential error before they reach the caller.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	pair, err := s.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, common.ErrInvalidToken) {
			return nil, common.ErrInvalidCredentials
		}
		return nil, err
	}
	return &Result{Tokens: pair}, nil
}

// Logout revokes one refresh token, or all of them when refreshToken is
// empty. The audit append is best-effort and never fails the operation.
func (s *Service) Logout(ctx context.Context, userID, refreshToken string) error {
	var err error
	if refreshToken == "" {
		err = s.tokens.RevokeAll(ctx, userID)
	} else {
		err = s.tokens.Revoke(ctx, userID, refreshToken)
	}
	if err != nil {
		return err
	}
	s.record(&store.AuditEvent{
		ActorID:  userID,
		Action:   "auth.logout",
		Resource: string(store.ResourceUser),
		Success:  true,
	})
	return nil
}
