package access_test

import (
	"testing"

	"TrancheLedger/internal/access"
	"TrancheLedger/internal/poolerr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoles() access.Roles {
	return access.Roles{
		Admins:            []uuid.UUID{uuid.New()},
		Operators:         []uuid.UUID{uuid.New()},
		CreditAgents:      []uuid.UUID{uuid.New()},
		PoolOwnerTreasury: uuid.New(),
		EvaluationAgent:   uuid.New(),
	}
}

func TestRoles_Validate(t *testing.T) {
	r := newRoles()
	require.NoError(t, r.Validate())

	r.EvaluationAgent = uuid.Nil
	require.ErrorIs(t, r.Validate(), poolerr.ErrZeroAddress)

	r = newRoles()
	r.Admins = nil
	require.ErrorIs(t, r.Validate(), poolerr.ErrZeroAddress)

	r = newRoles()
	r.Operators = append(r.Operators, uuid.Nil)
	require.ErrorIs(t, r.Validate(), poolerr.ErrZeroAddress)
}

func TestController_StaticRoles(t *testing.T) {
	r := newRoles()
	provider := uuid.New()
	c, err := access.NewController(r, map[string][]uuid.UUID{"borrower": {provider}})
	require.NoError(t, err)

	assert.True(t, c.IsPoolOwnerOrAdmin(r.Admins[0]))
	assert.True(t, c.IsPoolOwnerOrAdmin(r.PoolOwnerTreasury))
	assert.False(t, c.IsPoolOwnerOrAdmin(r.Operators[0]))
	assert.True(t, c.IsPoolOperator(r.Operators[0]))
	assert.True(t, c.IsCreditAgent(r.CreditAgents[0]))
	assert.True(t, c.IsCoverProvider("borrower", provider))
	assert.False(t, c.IsCoverProvider("affiliate", provider))

	assert.True(t, c.ExemptFromLockout(r.PoolOwnerTreasury))
	assert.True(t, c.ExemptFromLockout(r.EvaluationAgent))
	assert.False(t, c.ExemptFromLockout(r.Admins[0]))
}

func TestController_LenderApproval(t *testing.T) {
	c, err := access.NewController(newRoles(), nil)
	require.NoError(t, err)

	lender := uuid.New()
	assert.False(t, c.IsApprovedLender(lender))
	require.NoError(t, c.ApproveLender(lender))
	assert.True(t, c.IsApprovedLender(lender))
	assert.Equal(t, []uuid.UUID{lender}, c.ApprovedLenders())

	c.RevokeLender(lender)
	assert.False(t, c.IsApprovedLender(lender))

	require.ErrorIs(t, c.ApproveLender(uuid.Nil), poolerr.ErrZeroAddress)
}

func TestRequire(t *testing.T) {
	require.NoError(t, access.Require(true, "deposit"))
	err := access.Require(false, "deposit")
	require.ErrorIs(t, err, poolerr.ErrPermissionDenied)
	assert.Equal(t, poolerr.KindAuthorization, poolerr.KindOf(err))
}
