package twofactor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/pquerna/otp/totp"
)

// Notifier is told when a user was auto-enrolled so the delivery
// subsystem can inform them. Best effort: failures are logged, never
// propagated into the enclosing transaction.
type Notifier interface {
	NotifyEnrolled(ctx context.Context, userID int64, email string) error
}

// Service owns the role-driven 2FA requirement and the TOTP secret
// lifecycle for user accounts.
type Service struct {
	store    Store
	policy   Policy
	issuer   string
	logger   *slog.Logger
	notifier Notifier
}

// NewService constructs a Service.
func NewService(store Store, policy Policy, issuer string, logger *slog.Logger) *Service {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if issuer == "" {
		issuer = "FleetOps"
	}
	return &Service{store: store, policy: policy, issuer: issuer, logger: logger}
}

// SetNotifier registers the enrollment notifier.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Policy exposes the active role policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Settings loads the persisted 2FA state for a user.
func (s *Service) Settings(ctx context.Context, userID int64) (Settings, error) {
	settings, _, err := s.store.Load(ctx, userID)
	return settings, err
}

// IsRequired reports whether the user's role set makes 2FA mandatory.
func (s *Service) IsRequired(ctx context.Context, userID int64) (bool, error) {
	settings, err := s.Settings(ctx, userID)
	if err != nil {
		return false, err
	}
	return settings.Required, nil
}

// IsEnabled reports whether the user has an active secret.
func (s *Service) IsEnabled(ctx context.Context, userID int64) (bool, error) {
	settings, err := s.Settings(ctx, userID)
	if err != nil {
		return false, err
	}
	return settings.Enabled, nil
}

// Enroll provisions a secret for a user who opted in, or returns the
// existing secret unchanged when already enrolled. Enrollment never
// touches the required flag; that is owned by the role policy.
func (s *Service) Enroll(ctx context.Context, userID int64) (string, error) {
	var secret string
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		settings, email, err := tx.LoadForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if settings.Enabled {
			// Idempotent: re-enrolling does not rotate the secret.
			secret = settings.Secret
			return nil
		}
		secret, err = s.generateSecret(email)
		if err != nil {
			return err
		}
		return tx.Save(ctx, userID, settings.Required, true, secret)
	})
	if err != nil {
		return "", err
	}
	return secret, nil
}

// Rotate replaces the secret of an already-enrolled user.
func (s *Service) Rotate(ctx context.Context, userID int64) (string, error) {
	var secret string
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		settings, email, err := tx.LoadForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if !settings.Enabled {
			return ErrNotEnrolled
		}
		secret, err = s.generateSecret(email)
		if err != nil {
			return err
		}
		return tx.Save(ctx, userID, settings.Required, true, secret)
	})
	if err != nil {
		return "", err
	}
	return secret, nil
}

// Disable turns off 2FA for a user whose roles do not require it. The
// secret is cleared. Mandatory users cannot opt out.
func (s *Service) Disable(ctx context.Context, userID int64) error {
	return s.store.WithTx(ctx, func(tx TxStore) error {
		settings, _, err := tx.LoadForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if settings.Required {
			return ErrOptOutForbidden
		}
		if !settings.Enabled {
			return nil
		}
		return tx.Save(ctx, userID, false, false, "")
	})
}

// VerifyCode checks a TOTP code against the stored secret. A mismatch
// is the normal negative result (false, nil); state problems surface
// as errors so the login flow can branch on them.
func (s *Service) VerifyCode(ctx context.Context, userID int64, code string) (bool, error) {
	settings, err := s.Settings(ctx, userID)
	if err != nil {
		return false, err
	}
	if !settings.Enabled || settings.Secret == "" {
		if settings.Required {
			// A mandatory role without an enabled secret should not
			// exist; fail closed and force enrollment.
			return false, ErrEnrollmentRequired
		}
		return false, ErrNotEnrolled
	}
	return totp.Validate(code, settings.Secret), nil
}

// ForceEnroll repairs the inconsistent required-but-not-enabled state
// by provisioning a secret immediately.
func (s *Service) ForceEnroll(ctx context.Context, userID int64) (string, error) {
	return s.Enroll(ctx, userID)
}

// SyncOnRoleChange recomputes the 2FA requirement from the user's new
// role set. It runs inside the role-assignment transaction so the
// requirement and the assignment commit atomically: there is never a
// committed window where a mandatory-2FA user lacks a secret.
func (s *Service) SyncOnRoleChange(ctx context.Context, tx pgx.Tx, userID int64, roleNames []string) error {
	required := s.policy.Required(roleNames)

	txs := s.store.Bind(tx)
	settings, email, err := txs.LoadForUpdate(ctx, userID)
	if err != nil {
		return err
	}

	enrolled := false
	switch {
	case required && !settings.Enabled:
		secret, err := s.generateSecret(email)
		if err != nil {
			return err
		}
		if err := txs.Save(ctx, userID, true, true, secret); err != nil {
			return err
		}
		enrolled = true
	case required != settings.Required:
		if err := txs.Save(ctx, userID, required, settings.Enabled, settings.Secret); err != nil {
			return err
		}
	}

	if enrolled && s.notifier != nil {
		if err := s.notifier.NotifyEnrolled(ctx, userID, email); err != nil && s.logger != nil {
			s.logger.Warn("notify enrollment", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	return nil
}

// generateSecret produces a fresh TOTP secret from the library's
// CSPRNG. Never derived from user id or timestamps.
func (s *Service) generateSecret(accountName string) (string, error) {
	if accountName == "" {
		accountName = "user@fleetops.local"
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", fmt.Errorf("twofactor: generate secret: %w", err)
	}
	return key.Secret(), nil
}
