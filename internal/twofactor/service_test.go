package twofactor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetops/internal/rbac"
	"github.com/fleetops/fleetops/internal/shared"
)

type memoryStore struct {
	settings map[int64]Settings
	emails   map[int64]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		settings: make(map[int64]Settings),
		emails:   make(map[int64]string),
	}
}

func (m *memoryStore) Load(_ context.Context, userID int64) (Settings, string, error) {
	s, ok := m.settings[userID]
	if !ok {
		return Settings{}, "", shared.ErrNotFound
	}
	return s, m.emails[userID], nil
}

func (m *memoryStore) WithTx(_ context.Context, fn func(TxStore) error) error {
	return fn(m)
}

func (m *memoryStore) Bind(_ pgx.Tx) TxStore {
	return m
}

func (m *memoryStore) LoadForUpdate(ctx context.Context, userID int64) (Settings, string, error) {
	return m.Load(ctx, userID)
}

func (m *memoryStore) Save(_ context.Context, userID int64, required, enabled bool, secret string) error {
	m.settings[userID] = Settings{
		UserID:   userID,
		Required: required,
		Enabled:  enabled,
		Secret:   secret,
	}
	return nil
}

func (m *memoryStore) put(userID int64, email string, s Settings) {
	s.UserID = userID
	m.settings[userID] = s
	m.emails[userID] = email
}

type recordedNotifications struct {
	userIDs []int64
	emails  []string
}

func (n *recordedNotifications) NotifyEnrolled(_ context.Context, userID int64, email string) error {
	n.userIDs = append(n.userIDs, userID)
	n.emails = append(n.emails, email)
	return nil
}

func newTestService(store Store) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, DefaultPolicy(), "FleetOps", logger)
}

func TestEnrollIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	store.put(7, "tech@fleetops.local", Settings{})
	svc := newTestService(store)

	first, err := svc.Enroll(context.Background(), 7)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := svc.Enroll(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-enrolling must not rotate the secret")
	assert.True(t, store.settings[7].Enabled)
}

func TestEnrolledSecretVerifiesCodes(t *testing.T) {
	store := newMemoryStore()
	store.put(7, "tech@fleetops.local", Settings{})
	svc := newTestService(store)

	secret, err := svc.Enroll(context.Background(), 7)
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	ok, err := svc.VerifyCode(context.Background(), 7, code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.VerifyCode(context.Background(), 7, "00000")
	require.NoError(t, err)
	assert.False(t, ok, "malformed code never validates")
}

func TestRotateReplacesSecret(t *testing.T) {
	store := newMemoryStore()
	store.put(7, "tech@fleetops.local", Settings{})
	svc := newTestService(store)

	first, err := svc.Enroll(context.Background(), 7)
	require.NoError(t, err)

	rotated, err := svc.Rotate(context.Background(), 7)
	require.NoError(t, err)
	assert.NotEqual(t, first, rotated)
	assert.Equal(t, rotated, store.settings[7].Secret)
}

func TestRotateRequiresEnrollment(t *testing.T) {
	store := newMemoryStore()
	store.put(7, "tech@fleetops.local", Settings{})
	svc := newTestService(store)

	_, err := svc.Rotate(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestDisableClearsSecret(t *testing.T) {
	store := newMemoryStore()
	store.put(7, "tech@fleetops.local", Settings{Enabled: true, Secret: "OLDSECRET234567890"})
	svc := newTestService(store)

	require.NoError(t, svc.Disable(context.Background(), 7))
	assert.False(t, store.settings[7].Enabled)
	assert.Empty(t, store.settings[7].Secret)
}

func TestDisableRefusedForMandatoryRole(t *testing.T) {
	store := newMemoryStore()
	store.put(3, "boss@fleetops.local", Settings{Required: true, Enabled: true, Secret: "KEEPSECRET23456789"})
	svc := newTestService(store)

	err := svc.Disable(context.Background(), 3)
	assert.ErrorIs(t, err, ErrOptOutForbidden)
	assert.Equal(t, "KEEPSECRET23456789", store.settings[3].Secret, "refused opt-out must leave the secret intact")
}

func TestVerifyCodeDemandsEnrollmentWhenRequired(t *testing.T) {
	store := newMemoryStore()
	store.put(3, "boss@fleetops.local", Settings{Required: true})
	svc := newTestService(store)

	_, err := svc.VerifyCode(context.Background(), 3, "123456")
	assert.ErrorIs(t, err, ErrEnrollmentRequired)
}

func TestVerifyCodeForOptionalUnenrolledUser(t *testing.T) {
	store := newMemoryStore()
	store.put(7, "tech@fleetops.local", Settings{})
	svc := newTestService(store)

	_, err := svc.VerifyCode(context.Background(), 7, "123456")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestSyncOnRoleChangeProvisionsMandatoryRole(t *testing.T) {
	store := newMemoryStore()
	store.put(11, "manager@fleetops.local", Settings{})
	svc := newTestService(store)
	notified := &recordedNotifications{}
	svc.SetNotifier(notified)

	err := svc.SyncOnRoleChange(context.Background(), nil, 11, []string{rbac.RoleManager})
	require.NoError(t, err)

	got := store.settings[11]
	assert.True(t, got.Required)
	assert.True(t, got.Enabled)
	assert.NotEmpty(t, got.Secret, "assigning a mandatory role must provision a secret in the same transaction")
	require.Equal(t, []int64{11}, notified.userIDs)
	assert.Equal(t, []string{"manager@fleetops.local"}, notified.emails)
}

func TestSyncOnRoleChangeDropsRequirementKeepsSecret(t *testing.T) {
	store := newMemoryStore()
	store.put(11, "manager@fleetops.local", Settings{Required: true, Enabled: true, Secret: "KEEPSECRET23456789"})
	svc := newTestService(store)
	notified := &recordedNotifications{}
	svc.SetNotifier(notified)

	err := svc.SyncOnRoleChange(context.Background(), nil, 11, []string{rbac.RoleTechnician})
	require.NoError(t, err)

	got := store.settings[11]
	assert.False(t, got.Required)
	assert.True(t, got.Enabled, "losing the mandatory role must not disable 2FA")
	assert.Equal(t, "KEEPSECRET23456789", got.Secret)
	assert.Empty(t, notified.userIDs, "no new enrollment, no notification")
}

func TestSyncOnRoleChangeIsQuietWhenNothingChanges(t *testing.T) {
	store := newMemoryStore()
	store.put(7, "tech@fleetops.local", Settings{})
	svc := newTestService(store)
	notified := &recordedNotifications{}
	svc.SetNotifier(notified)

	err := svc.SyncOnRoleChange(context.Background(), nil, 7, []string{rbac.RoleUser})
	require.NoError(t, err)

	got := store.settings[7]
	assert.False(t, got.Required)
	assert.False(t, got.Enabled)
	assert.Empty(t, notified.userIDs)
}
