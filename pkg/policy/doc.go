// Package policy decides whether a user may perform an action on a record.
//
// Every action, written "<type>:<action>" such as "cluster:delete", maps to
// a named rule. The mapping starts from DefaultPolicies and is overridden
// per organization through the organization's policy field. Actions with
// no mapping are allowed.
//
// Rules are evaluated by an embedded Rego module against an Input built
// from the acting user and the record's owner:
//
//	ALL             same organization
//	IS_ADMIN        same organization and role admin
//	IS_OWNER        same organization and the user owns the record
//	ADMIN_OR_OWNER  same organization and (admin or owner)
//	IS_SUPERADMIN   role superadmin
//
// A superadmin passes every known rule. Unknown rules deny everyone.
//
// Additional rules can be contributed by .rego files in the package
// clusterforge.authz. Each file declares its rule names in the known set
// and grants them through the granted set:
//
//	package clusterforge.authz
//
//	import rego.v1
//
//	known contains "IS_MEMBER"
//
//	granted contains "IS_MEMBER" if {
//		input.organization_id == input.owner_organization_id
//		input.role == "member"
//	}
//
// A Loader reads such files from a directory and can watch it, swapping
// the compiled rules in place when a file changes.
package policy
