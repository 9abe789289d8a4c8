package policy

// Package and query of the authorization module.
const (
	regoPackage = "clusterforge.authz"
	allowQuery  = "data." + regoPackage + ".allow"
)

const builtinModule = `package clusterforge.authz

import rego.v1

default allow := false

known contains "ALL"

known contains "IS_ADMIN"

known contains "IS_OWNER"

known contains "ADMIN_OR_OWNER"

known contains "IS_SUPERADMIN"

superadmin if input.role == "superadmin"

admin if input.role == "admin"

same_organization if {
	input.organization_id != ""
	input.organization_id == input.owner_organization_id
}

owner if {
	input.user_id != ""
	input.user_id == input.owner_id
}

granted contains "ALL" if same_organization

granted contains "IS_ADMIN" if {
	same_organization
	admin
}

granted contains "IS_OWNER" if {
	same_organization
	owner
}

granted contains "ADMIN_OR_OWNER" if {
	same_organization
	admin
}

granted contains "ADMIN_OR_OWNER" if {
	same_organization
	owner
}

granted contains "IS_SUPERADMIN" if superadmin

allow if {
	input.rule in known
	superadmin
}

allow if {
	input.rule in known
	input.rule in granted
}
`

// DefaultPolicies returns the action to rule mapping used when an
// organization does not override an action.
func DefaultPolicies() map[string]Rule {
	return map[string]Rule{
		"cluster:create": RuleAll,
		"cluster:delete": RuleAdminOrOwner,
		"cluster:get":    RuleAll,
		"cluster:list":   RuleAll,
		"cluster:update": RuleAdminOrOwner,

		"provisioner:create": RuleAll,
		"provisioner:delete": RuleAdminOrOwner,
		"provisioner:get":    RuleAll,
		"provisioner:list":   RuleAll,
		"provisioner:update": RuleAdminOrOwner,

		"organization:create": RuleIsSuperadmin,
		"organization:delete": RuleIsSuperadmin,
		"organization:get":    RuleAll,
		"organization:list":   RuleIsSuperadmin,
		"organization:update": RuleIsSuperadmin,

		"user:create": RuleIsAdmin,
		"user:delete": RuleIsAdmin,
		"user:get":    RuleAll,
		"user:list":   RuleAll,
		"user:update": RuleAdminOrOwner,
	}
}
