package rolemapper

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oboauth/delegation-engine/pkg/idp"
)

func adminUserMapping() idp.RoleMapping {
	return idp.RoleMapping{
		Mapping: map[string][]string{
			"admin": {"admin"},
			"user":  {"user"},
		},
		Priority:    []string{"admin", "user"},
		DefaultRole: "guest",
	}
}

func TestFirstMatchWins(t *testing.T) {
	r := Map([]string{"user"}, adminUserMapping())
	assert.Equal(t, "user", r.Role)
	assert.False(t, r.Rejected)
}

func TestDefaultRoleOnNoMatch(t *testing.T) {
	m := adminUserMapping()
	r := Map([]string{"developer"}, m)
	assert.Equal(t, "guest", r.Role)
	assert.False(t, r.Rejected)
	assert.Equal(t, []string{"developer"}, r.CustomRoles)
}

func TestRejectUnmappedRoles(t *testing.T) {
	m := adminUserMapping()
	m.RejectUnmappedRoles = true
	r := Map([]string{"developer"}, m)
	assert.Equal(t, Unassigned, r.Role)
	assert.True(t, r.Rejected)
	assert.Contains(t, r.Reason, "developer")
}

func TestCustomRolesIsFullRawSetRegardlessOfMapping(t *testing.T) {
	r := Map([]string{"user", "developer"}, adminUserMapping())
	assert.ElementsMatch(t, []string{"user", "developer"}, r.CustomRoles)
}

func TestMissingDefaultRoleDegradesToUnassigned(t *testing.T) {
	m := idp.RoleMapping{Mapping: map[string][]string{"admin": {"admin"}}, Priority: []string{"admin"}}
	r := Map([]string{"nobody"}, m)
	assert.Equal(t, Unassigned, r.Role)
	assert.True(t, r.Rejected)
}

func TestNeverPanicsOnNilMapping(t *testing.T) {
	assert.NotPanics(t, func() {
		Map(nil, idp.RoleMapping{})
	})
}

func TestIdempotentUnderIdentityMapping(t *testing.T) {
	m := idp.RoleMapping{
		Mapping:     map[string][]string{"admin": {"admin"}, "user": {"user"}},
		Priority:    []string{"admin", "user"},
		DefaultRole: "guest",
	}
	first := Map([]string{"user"}, m)
	second := Map([]string{first.Role}, m)
	assert.Equal(t, first.Role, second.Role)
}
