package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestUserProfileIsCached(t *testing.T) {
	h := newHarness(t)
	jane := h.employee("jane", 50000)

	profile, err := h.users.GetProfile(h.ctx, jane.ID)
	require.NoError(t, err)
	assert.Equal(t, jane.Email, profile.Email)
	require.Contains(t, h.cache.users, jane.ID)

	// a stale cache entry is served until the next write
	h.cache.users[jane.ID].FirstName = "cached"
	profile, err = h.users.GetByID(h.ctx, jane.ID)
	require.NoError(t, err)
	assert.Equal(t, "cached", profile.FirstName)

	updated, err := h.users.UpdateProfile(h.ctx, jane.ID, &domain.UpdateProfileRequest{FirstName: strPtr(" Janet "), Phone: strPtr("0798765432")})
	require.NoError(t, err)
	assert.Equal(t, "Janet", updated.FirstName)
	assert.Equal(t, "Janet", h.cache.users[jane.ID].FirstName)
	assert.Equal(t, "0798765432", h.cache.users[jane.ID].Phone)
	assert.Contains(t, h.store.auditActions(jane.ID), string(domain.ActionUpdated))

	_, err = h.users.UpdateProfile(h.ctx, jane.ID, &domain.UpdateProfileRequest{})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.users.UpdateProfile(h.ctx, jane.ID, &domain.UpdateProfileRequest{Phone: strPtr("555")})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.users.GetByID(h.ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUserAdminUpdate(t *testing.T) {
	h := newHarness(t)
	admin := h.admin("ann")
	jane := h.employee("jane", 50000)

	salary := 80000.456
	suspended := string(domain.UserSuspended)
	updated, err := h.users.AdminUpdate(h.ctx, admin.ID, jane.ID, &domain.AdminUpdateUserRequest{BasicSalary: &salary, Status: &suspended})
	require.NoError(t, err)
	assert.Equal(t, 80000.46, updated.BasicSalary)
	assert.Equal(t, suspended, updated.Status)

	promoted, err := h.users.AdminUpdate(h.ctx, admin.ID, jane.ID, &domain.AdminUpdateUserRequest{Role: strPtr("ADMIN")})
	require.NoError(t, err)
	assert.Equal(t, string(domain.RoleAdmin), promoted.Role)

	_, err = h.users.AdminUpdate(h.ctx, admin.ID, admin.ID, &domain.AdminUpdateUserRequest{Role: strPtr("employee")})
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.users.AdminUpdate(h.ctx, admin.ID, jane.ID, &domain.AdminUpdateUserRequest{Status: strPtr("retired")})
	require.ErrorIs(t, err, domain.ErrValidation)

	negative := -1.0
	_, err = h.users.AdminUpdate(h.ctx, admin.ID, jane.ID, &domain.AdminUpdateUserRequest{BasicSalary: &negative})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestUserList(t *testing.T) {
	h := newHarness(t)
	h.admin("ann")
	h.employee("jane", 50000)
	h.employee("paul", 50000)

	users, total, err := h.users.List(h.ctx, &domain.UserFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, users, 3)
}

func TestDependants(t *testing.T) {
	h := newHarness(t)
	jane := h.employee("jane", 50000)
	paul := h.employee("paul", 50000)

	d, err := h.users.AddDependant(h.ctx, jane.ID, &domain.CreateDependantRequest{Name: " Amani ", Relationship: "child"})
	require.NoError(t, err)
	assert.Equal(t, "Amani", d.Name)
	assert.Equal(t, jane.ID, d.UserID)

	_, err = h.users.AddDependant(h.ctx, jane.ID, &domain.CreateDependantRequest{Name: "Zawadi", Relationship: "cousin"})
	require.ErrorIs(t, err, domain.ErrValidation)

	list, err := h.users.ListDependants(h.ctx, jane.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.ErrorIs(t, h.users.DeleteDependant(h.ctx, paul.ID, d.ID), domain.ErrNotFound)
	require.NoError(t, h.users.DeleteDependant(h.ctx, jane.ID, d.ID))
	list, err = h.users.ListDependants(h.ctx, jane.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Contains(t, h.store.auditActions(d.ID), string(domain.ActionDeleted))
}

func TestLoanTypeCache(t *testing.T) {
	h := newHarness(t)
	admin := h.admin("ann")

	lt, err := h.loanTypes.Create(h.ctx, admin.ID, &domain.CreateLoanTypeRequest{
		Name: " School Fees ", InterestRate: 10, InterestMethod: domain.InterestReducing,
		MinAmount: 5000, MaxAmount: 100000, MaxTenureMonths: 12, RequiredGuarantors: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "School Fees", lt.Name)
	assert.True(t, lt.Active)

	types, err := h.loanTypes.List(h.ctx, true)
	require.NoError(t, err)
	require.Len(t, types, 1)
	require.Contains(t, h.cache.types, true)

	inactive := false
	_, err = h.loanTypes.Update(h.ctx, admin.ID, lt.ID, &domain.UpdateLoanTypeRequest{Active: &inactive})
	require.NoError(t, err)
	assert.Empty(t, h.cache.types)

	types, err = h.loanTypes.List(h.ctx, true)
	require.NoError(t, err)
	assert.Empty(t, types)
	types, err = h.loanTypes.List(h.ctx, false)
	require.NoError(t, err)
	assert.Len(t, types, 1)

	low := 1000.0
	_, err = h.loanTypes.Update(h.ctx, admin.ID, lt.ID, &domain.UpdateLoanTypeRequest{MaxAmount: &low})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.loanTypes.Create(h.ctx, admin.ID, &domain.CreateLoanTypeRequest{Name: ""})
	require.ErrorIs(t, err, domain.ErrValidation)
}
