package policy

import (
	"context"
	"testing"

	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e
}

func newOrg(id string) *models.Organization {
	o := models.NewOrganization(id, id)
	o.SetID(id)
	return o
}

func newUser(id string, org *models.Organization, role models.Role) *models.User {
	u := models.NewUser(id, org)
	u.SetID(id)
	u.SetRole(role)
	return u
}

func TestEvaluate(t *testing.T) {
	e := newTestEngine(t)

	member := Input{UserID: "u1", OrganizationID: "o1", Role: "member", OwnerID: "u1", OwnerOrganizationID: "o1"}
	stranger := Input{UserID: "u2", OrganizationID: "o1", Role: "member", OwnerID: "u1", OwnerOrganizationID: "o1"}
	admin := Input{UserID: "u3", OrganizationID: "o1", Role: "admin", OwnerID: "u1", OwnerOrganizationID: "o1"}
	foreignAdmin := Input{UserID: "u4", OrganizationID: "o2", Role: "admin", OwnerID: "u1", OwnerOrganizationID: "o1"}
	superadmin := Input{UserID: "u5", OrganizationID: "o2", Role: "superadmin", OwnerID: "u1", OwnerOrganizationID: "o1"}
	noOwner := Input{UserID: "u1", OrganizationID: "o1", Role: "admin"}

	tests := []struct {
		name string
		rule Rule
		in   Input
		want bool
	}{
		{"all same org", RuleAll, stranger, true},
		{"all other org", RuleAll, foreignAdmin, false},
		{"all without owner", RuleAll, noOwner, false},
		{"admin as member", RuleIsAdmin, member, false},
		{"admin as admin", RuleIsAdmin, admin, true},
		{"admin other org", RuleIsAdmin, foreignAdmin, false},
		{"owner as owner", RuleIsOwner, member, true},
		{"owner as stranger", RuleIsOwner, stranger, false},
		{"owner as admin", RuleIsOwner, admin, false},
		{"admin or owner as owner", RuleAdminOrOwner, member, true},
		{"admin or owner as admin", RuleAdminOrOwner, admin, true},
		{"admin or owner as stranger", RuleAdminOrOwner, stranger, false},
		{"superadmin rule as admin", RuleIsSuperadmin, admin, false},
		{"superadmin rule as superadmin", RuleIsSuperadmin, superadmin, true},
		{"superadmin passes owner rule", RuleIsOwner, superadmin, true},
		{"superadmin passes all rule", RuleAll, superadmin, true},
		{"unknown rule denies", Rule("EVERYONE"), member, false},
		{"unknown rule denies superadmin", Rule("EVERYONE"), superadmin, false},
		{"empty rule denies", Rule(""), admin, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.Rule = string(tt.rule)
			got, err := e.Evaluate(context.Background(), in)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%s) = %v, want %v", tt.rule, got, tt.want)
			}
		})
	}
}

func TestInputFor(t *testing.T) {
	acme := newOrg("acme")
	globex := newOrg("globex")
	alice := newUser("alice", acme, models.RoleMember)
	bob := newUser("bob", globex, models.RoleAdmin)

	cluster := models.NewCluster("acme", "demo")
	cluster.SetOwner(alice)
	prov := models.NewProvisioner("acme", "jenkins", "jenkins")
	prov.SetOwner(alice)

	tests := []struct {
		name      string
		resource  models.Record
		wantOwner string
		wantOrg   string
	}{
		{"cluster", cluster, "alice", "acme"},
		{"provisioner", prov, "alice", "acme"},
		{"user", alice, "alice", "acme"},
		{"organization", acme, "", "acme"},
		{"none", nil, "", ""},
		{"cluster without owner", models.NewCluster("acme", "orphan"), "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := InputFor(bob, tt.resource)
			if in.UserID != "bob" || in.OrganizationID != "globex" || in.Role != "admin" {
				t.Errorf("actor fields = %+v", in)
			}
			if in.OwnerID != tt.wantOwner || in.OwnerOrganizationID != tt.wantOrg {
				t.Errorf("owner = %q/%q, want %q/%q", in.OwnerID, in.OwnerOrganizationID, tt.wantOwner, tt.wantOrg)
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	acme := newOrg("acme")
	alice := newUser("alice", acme, models.RoleMember)
	carol := newUser("carol", acme, models.RoleMember)
	admin := newUser("root", acme, models.RoleAdmin)

	cluster := models.NewCluster("acme", "demo")
	cluster.SetOwner(alice)

	tests := []struct {
		name     string
		user     *models.User
		action   string
		resource models.Record
		want     bool
		wantRule Rule
	}{
		{"owner deletes own cluster", alice, "cluster:delete", cluster, true, RuleAdminOrOwner},
		{"member deletes foreign cluster", carol, "cluster:delete", cluster, false, RuleAdminOrOwner},
		{"admin deletes foreign cluster", admin, "cluster:delete", cluster, true, RuleAdminOrOwner},
		{"member reads cluster", carol, "cluster:get", cluster, true, RuleAll},
		{"member creates organization", alice, "organization:create", nil, false, RuleIsSuperadmin},
		{"action without policy", carol, "cluster:reboot", cluster, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Authorize(ctx, tt.user, tt.action, tt.resource)
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if d.Allowed != tt.want || d.Rule != tt.wantRule || d.Action != tt.action {
				t.Errorf("Authorize() = %+v, want allowed %v rule %q", d, tt.want, tt.wantRule)
			}
		})
	}
}

func TestAuthorize_OrganizationOverride(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	acme := newOrg("acme")
	acme.SetPolicy(map[string]string{
		"cluster:get":    "IS_OWNER",
		"cluster:delete": "ALL",
	})
	alice := newUser("alice", acme, models.RoleMember)
	carol := newUser("carol", acme, models.RoleMember)

	cluster := models.NewCluster("acme", "demo")
	cluster.SetOwner(alice)

	d, _ := e.Authorize(ctx, carol, "cluster:get", cluster)
	if d.Allowed || d.Rule != RuleIsOwner {
		t.Errorf("override tightening = %+v", d)
	}
	d, _ = e.Authorize(ctx, carol, "cluster:delete", cluster)
	if !d.Allowed || d.Rule != RuleAll {
		t.Errorf("override loosening = %+v", d)
	}
	d, _ = e.Authorize(ctx, carol, "cluster:update", cluster)
	if d.Allowed || d.Rule != RuleAdminOrOwner {
		t.Errorf("default fallback = %+v", d)
	}
}

func TestRuleFor_CustomDefaults(t *testing.T) {
	e, err := NewEngine(context.Background(), zerolog.Nop(), map[string]Rule{"cluster:get": RuleIsAdmin})
	if err != nil {
		t.Fatal(err)
	}
	if r, ok := e.RuleFor(nil, "cluster:get"); !ok || r != RuleIsAdmin {
		t.Errorf("RuleFor(cluster:get) = %q, %v", r, ok)
	}
	if _, ok := e.RuleFor(nil, "cluster:delete"); ok {
		t.Error("cluster:delete should have no rule with custom defaults")
	}
}

const memberModule = `package clusterforge.authz

import rego.v1

known contains "IS_MEMBER"

granted contains "IS_MEMBER" if {
	same_organization
	input.role == "member"
}
`

func TestSetModules(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	in := Input{Rule: "IS_MEMBER", UserID: "u1", OrganizationID: "o1", Role: "member", OwnerOrganizationID: "o1"}

	if ok, _ := e.Evaluate(ctx, in); ok {
		t.Fatal("custom rule allowed before it was loaded")
	}

	if err := e.SetModules(ctx, map[string]string{"member.rego": memberModule}); err != nil {
		t.Fatalf("SetModules() error = %v", err)
	}
	if ok, _ := e.Evaluate(ctx, in); !ok {
		t.Error("custom rule denied after loading")
	}
	if names := e.Modules(); len(names) != 1 || names[0] != "member.rego" {
		t.Errorf("Modules() = %v", names)
	}

	admin := in
	admin.Role = "admin"
	if ok, _ := e.Evaluate(ctx, admin); ok {
		t.Error("custom rule allowed a non-member")
	}

	bad := map[string]map[string]string{
		"syntax error":  {"broken.rego": "package clusterforge.authz\n\nallow if {"},
		"wrong package": {"other.rego": "package other\n\nimport rego.v1\n\nx := 1\n"},
	}
	for name, modules := range bad {
		if err := e.SetModules(ctx, modules); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if ok, _ := e.Evaluate(ctx, in); !ok {
		t.Error("previous rules were dropped after a failed reload")
	}
}
