package twofactor

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetops/internal/rbac"
)

func TestDefaultPolicyMandatoryRoles(t *testing.T) {
	policy := DefaultPolicy()

	assert.True(t, policy.Required([]string{rbac.RoleAdmin}))
	assert.True(t, policy.Required([]string{rbac.RoleSuperAdmin}))
	assert.True(t, policy.Required([]string{rbac.RoleManager}))
	assert.False(t, policy.Required([]string{rbac.RoleTechnician}))
	assert.False(t, policy.Required([]string{rbac.RoleUser}))
	assert.False(t, policy.Required([]string{"dispatcher"}))
}

func TestPolicyRequiredIsUnionAcrossRoles(t *testing.T) {
	policy := DefaultPolicy()

	// One mandatory role anywhere in the set makes 2FA mandatory.
	assert.True(t, policy.Required([]string{rbac.RoleTechnician, rbac.RoleManager}))
	assert.False(t, policy.Required([]string{rbac.RoleTechnician, rbac.RoleUser}))
	assert.False(t, policy.Required(nil))
}

func TestPolicyNormalizesRoleNames(t *testing.T) {
	policy := DefaultPolicy()

	assert.True(t, policy.Required([]string{" Manager "}))
	assert.True(t, policy.Required([]string{"SUPER_ADMIN"}))
}

func TestSettingsStateDerivation(t *testing.T) {
	cases := []struct {
		required bool
		enabled  bool
		want     State
	}{
		{true, true, StateRequiredEnabled},
		{true, false, StateRequiredNotEnabled},
		{false, true, StateOptionalEnabled},
		{false, false, StateOptionalNotEnabled},
	}
	for _, tc := range cases {
		got := Settings{Required: tc.required, Enabled: tc.enabled}.State()
		assert.Equal(t, tc.want, got)
	}
}

func TestTOTPSecretRoundTrip(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "FleetOps", AccountName: "tech@fleetops.local"})
	require.NoError(t, err)
	secret := key.Secret()
	require.NotEmpty(t, secret)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	assert.True(t, totp.Validate(code, secret))
	assert.False(t, totp.Validate("12345", secret), "malformed code never validates")
}

func TestSecretsAreUnpredictable(t *testing.T) {
	a, err := totp.Generate(totp.GenerateOpts{Issuer: "FleetOps", AccountName: "a@fleetops.local"})
	require.NoError(t, err)
	b, err := totp.Generate(totp.GenerateOpts{Issuer: "FleetOps", AccountName: "a@fleetops.local"})
	require.NoError(t, err)

	assert.NotEqual(t, a.Secret(), b.Secret(), "secrets must come from a CSPRNG, not derived inputs")
}
