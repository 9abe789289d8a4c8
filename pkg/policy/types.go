package policy

import (
	"github.com/openfroyo/clusterforge/pkg/models"
)

// Rule names a condition evaluated by the authorization module.
type Rule string

// Built-in rules.
const (
	RuleAll          Rule = "ALL"
	RuleIsAdmin      Rule = "IS_ADMIN"
	RuleIsOwner      Rule = "IS_OWNER"
	RuleAdminOrOwner Rule = "ADMIN_OR_OWNER"
	RuleIsSuperadmin Rule = "IS_SUPERADMIN"
)

// Input is the document rules are evaluated against.
type Input struct {
	Rule                string `json:"rule"`
	UserID              string `json:"user_id"`
	OrganizationID      string `json:"organization_id"`
	Role                string `json:"role"`
	OwnerID             string `json:"owner_id,omitempty"`
	OwnerOrganizationID string `json:"owner_organization_id,omitempty"`
}

// Decision is the outcome of Authorize.
type Decision struct {
	Action  string `json:"action"`
	Rule    Rule   `json:"rule,omitempty"`
	Allowed bool   `json:"allowed"`
}

// InputFor builds the input for user acting on resource. The owner of a
// cluster or provisioner is its owner relation, a user owns itself, and
// an organization is owned by its own organization id. A nil resource
// leaves the owner empty, which only IS_SUPERADMIN can pass.
func InputFor(user *models.User, resource models.Record) Input {
	in := Input{
		UserID:         user.ID(),
		OrganizationID: organizationID(user.Organization()),
		Role:           string(user.Role()),
	}

	switch r := resource.(type) {
	case *models.Cluster:
		in.setOwner(r.Owner())
	case *models.Provisioner:
		in.setOwner(r.Owner())
	case *models.User:
		in.setOwner(r)
	case *models.Organization:
		if r != nil {
			in.OwnerOrganizationID = r.ID()
		}
	}
	return in
}

func (in *Input) setOwner(owner *models.User) {
	if owner == nil {
		return
	}
	in.OwnerID = owner.ID()
	in.OwnerOrganizationID = organizationID(owner.Organization())
}

func organizationID(o *models.Organization) string {
	if o == nil {
		return ""
	}
	return o.ID()
}
