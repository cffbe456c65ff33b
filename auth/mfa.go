package auth

import (
	"context"
	"fmt"

	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/store"
)

// MFASetup carries the enrollment material returned by SetupMFA. The secret
// and URI are shown to the user once; only the encrypted secret is persisted.
type MFASetup struct {
	Secret          string
	ProvisioningURI string
}

// SetupMFA generates a TOTP secret for the principal and stores it encrypted
// with enrollment still pending. EnableMFA completes enrollment once the
// user proves possession of the secret.
func (s *Service) SetupMFA(ctx context.Context, userID string) (*MFASetup, error) {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, fmt.Errorf("%w: mfa already enabled", common.ErrConflict)
	}

	secret, uri, err := s.mfa.GenerateSecret(user.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	encrypted, err := s.cipher.Encrypt([]byte(secret), s.mfaKey)
	if err != nil {
		return nil, err
	}
	if err := s.store.Users().UpdateMFA(ctx, userID, false, encrypted); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}

	s.record(&store.AuditEvent{
		ActorID:  userID,
		Action:   "auth.mfa.setup",
		Resource: string(store.ResourceUser),
		Success:  true,
	})
	return &MFASetup{Secret: secret, ProvisioningURI: uri}, nil
}

// EnableMFA completes enrollment by verifying a code against the pending
// secret. The code failing to verify surfaces as the generic credential
// error; enrollment that was never started surfaces as a conflict.
func (s *Service) EnableMFA(ctx context.Context, userID, code string) error {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFAEnabled {
		return fmt.Errorf("%w: mfa already enabled", common.ErrConflict)
	}
	if user.MFASecret == "" {
		return fmt.Errorf("%w: mfa setup not started", common.ErrConflict)
	}

	if err := s.verifyMFACode(ctx, user, code); err != nil {
		return err
	}
	if err := s.store.Users().UpdateMFA(ctx, userID, true, user.MFASecret); err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}

	s.record(&store.AuditEvent{
		ActorID:  userID,
		Action:   "auth.mfa.enable",
		Resource: string(store.ResourceUser),
		Success:  true,
	})
	return nil
}

// DisableMFA turns the second factor off. Both the password and a current
// code are required: removing a credential is as sensitive as adding one.
func (s *Service) DisableMFA(ctx context.Context, userID, pass, code string) error {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return fmt.Errorf("%w: mfa not enabled", common.ErrConflict)
	}

	ok, err := s.hasher.Verify(pass, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	if !ok {
		return common.ErrInvalidCredentials
	}
	if err := s.verifyMFACode(ctx, user, code); err != nil {
		return err
	}

	if err := s.store.Users().UpdateMFA(ctx, userID, false, ""); err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}

	s.record(&store.AuditEvent{
		ActorID:  userID,
		Action:   "auth.mfa.disable",
		Resource: string(store.ResourceUser),
		Success:  true,
	})
	return nil
}
