package models

import (
	"github.com/go-playground/validator/v10"
)

// newValidator returns a validator with the record specific rules registered.
func newValidator() *validator.Validate {
	v := validator.New()

	_ = v.RegisterValidation("cluster_state", func(fl validator.FieldLevel) bool {
		return ClusterState(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("provisioner_state", func(fl validator.FieldLevel) bool {
		return ProvisionerState(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("user_role", func(fl validator.FieldLevel) bool {
		switch Role(fl.Field().String()) {
		case RoleMember, RoleAdmin, RoleSuperadmin:
			return true
		}
		return false
	})

	return v
}
