package auth

import (
	"context"
	"fmt"

	"github.com/patternforge/authcore/common"
	"github.com/patternforge/authcore/store"
)

// ChangePassword replaces the principal's password after verifying the
// current one, then revokes every outstanding refresh token so all other
// sessions must re-authenticate.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}

	ok, err := s.hasher.Verify(current, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	if !ok {
		return common.ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}
	if err := s.store.Users().UpdatePassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}

	if err := s.tokens.RevokeAll(ctx, userID); err != nil {
		// The password is already changed; the stale sessions are the
		// remaining exposure, so this failure is worth surfacing.
		s.logger.Error("session revocation after password change failed",
			"user_id", userID, "error", err)
		return err
	}

	s.record(&store.AuditEvent{
		ActorID:  userID,
		Action:   "auth.password.change",
		Resource: string(store.ResourceUser),
		Success:  true,
	})
	return nil
}
