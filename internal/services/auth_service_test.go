package services

import (
	"testing"

	"upliftcs/internal/models"
	apperrors "upliftcs/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCreatesTrialOrganizationAndAdmin(t *testing.T) {
	db := newTestDB(t)
	auth := NewAuthService(db, newTestJWT())

	result, err := auth.Register(RegisterInput{
		Email: " Founder@Acme.io ", Password: "Secret123!", Name: "Founder",
		OrganizationName: "Acme Corp", PlanTier: models.PlanGrowth,
	})
	require.NoError(t, err)

	assert.Equal(t, "founder@acme.io", result.User.Email)
	assert.Equal(t, models.RoleAdmin, result.User.Role)
	assert.Equal(t, "acme-corp", result.Organization.Slug)
	assert.True(t, result.Organization.IsTrial)
	assert.Equal(t, models.SubscriptionTrial, result.Organization.SubscriptionStatus)
	assert.Equal(t, 3950.0, result.Organization.MonthlyPrice)
	assert.Equal(t, 300, result.Organization.CustomerLimit)
	require.NotNil(t, result.Organization.TrialEndsAt)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)

	second, err := auth.Register(RegisterInput{
		Email: "other@acme.io", Password: "Secret123!", Name: "Other", OrganizationName: "Acme Corp",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme-corp-2", second.Organization.Slug)
	assert.Equal(t, models.PlanStarter, second.Organization.PlanTier)
}

func TestRegisterRejectsDuplicateEmailAndUnknownPlan(t *testing.T) {
	db := newTestDB(t)
	registerOrg(t, db, "taken@acme.io", models.PlanStarter)
	auth := NewAuthService(db, newTestJWT())

	_, err := auth.Register(RegisterInput{Email: "TAKEN@acme.io", Password: "x", OrganizationName: "Dup"})
	assert.ErrorIs(t, err, ErrEmailExists)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))

	_, err = auth.Register(RegisterInput{Email: "new@acme.io", Password: "x", OrganizationName: "New", PlanTier: "platinum"})
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestRegisterFailsWhenEmailCheckFails(t *testing.T) {
	db := newTestDB(t)
	failQueriesOn(t, db, "users")
	auth := NewAuthService(db, newTestJWT())

	_, err := auth.Register(RegisterInput{Email: "new@acme.io", Password: "Secret123!", OrganizationName: "New"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmailExists)

	var orgs int64
	require.NoError(t, db.Model(&models.Organization{}).Count(&orgs).Error)
	assert.Zero(t, orgs)
}

func TestLogin(t *testing.T) {
	db := newTestDB(t)
	registered := registerOrg(t, db, "login@acme.io", models.PlanStarter)
	auth := NewAuthService(db, newTestJWT())
	auth.now = fixedClock

	result, err := auth.Login("LOGIN@acme.io", "Secret123!")
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, result.User.ID)
	assert.Equal(t, models.RoleAdmin, result.User.Role)
	require.NotNil(t, result.Organization)
	assert.Equal(t, registered.Organization.ID, result.Organization.ID)
	require.NotNil(t, result.User.LastLogin)
	assert.True(t, result.User.LastLogin.Equal(testNow))

	_, err = auth.Login("login@acme.io", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = auth.Login("nobody@acme.io", "Secret123!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectsDeactivatedUser(t *testing.T) {
	db := newTestDB(t)
	registered := registerOrg(t, db, "gone@acme.io", models.PlanStarter)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", registered.User.ID).Update("is_active", false).Error)
	auth := NewAuthService(db, newTestJWT())

	_, err := auth.Login("gone@acme.io", "Secret123!")
	assert.ErrorIs(t, err, ErrUserDeactivated)

	_, _, err = auth.Refresh(registered.Tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh(t *testing.T) {
	db := newTestDB(t)
	registered := registerOrg(t, db, "refresh@acme.io", models.PlanStarter)
	manager := newTestJWT()
	auth := NewAuthService(db, manager)

	token, expiresAt, err := auth.Refresh(registered.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.False(t, expiresAt.IsZero())

	claims, err := manager.VerifyAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, claims.UserID)
	assert.Equal(t, registered.Organization.ID, claims.OrganizationID)
	assert.Equal(t, models.RoleAdmin, claims.Role)

	_, _, err = auth.Refresh(registered.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = auth.Refresh("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestChangePassword(t *testing.T) {
	db := newTestDB(t)
	registered := registerOrg(t, db, "pw@acme.io", models.PlanStarter)
	auth := NewAuthService(db, newTestJWT())

	err := auth.ChangePassword(registered.User.ID, "not-it", "NewSecret456!")
	assert.ErrorIs(t, err, ErrWrongPassword)

	require.NoError(t, auth.ChangePassword(registered.User.ID, "Secret123!", "NewSecret456!"))

	_, err = auth.Login("pw@acme.io", "Secret123!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = auth.Login("pw@acme.io", "NewSecret456!")
	assert.NoError(t, err)

	me, err := auth.Me(registered.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "pw@acme.io", me.Email)
	require.NotNil(t, me.Organization)
}
