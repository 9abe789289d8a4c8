// Package engine defines the contract every provisioning backend
// implements and the registry that resolves a provisioner's engine name.
//
// # Engines
//
// An Engine drives one cluster. Implementations embed Base, which carries
// the cluster, its parameters and the shared Deps, and supplies defaults
// for the optional operations:
//
//   - ClusterList returns nil
//   - Resize returns ErrNotSupported
//   - GetProgress reports 501
//
// ClusterGet never fails: backend errors produce the empty ClusterInfo.
// Other operations return a *BackendError whose class (transient,
// throttled, conflict or permanent) tells callers through IsRetryable
// whether another attempt can succeed.
//
// # Registry
//
// Factories register under their name. A factory may carry a CUE schema
// checked by ValidateParameters and a Status probe used when a provisioner
// is saved:
//
//	reg := engine.NewRegistry()
//	reg.MustRegister(manual.Factory())
//	reg.MustRegister(jenkins.Factory())
//
//	if err := engine.SaveProvisioner(ctx, reg, p, true, deps); err != nil {
//		return err
//	}
//
//	e, err := engine.ForCluster(reg, cluster, deps)
//
// The Registry satisfies models.EngineLookup, so the record layer rejects
// provisioners naming an unregistered engine.
//
// # State
//
// UpdateState copies backend truth onto the stored cluster and moves
// clusters stuck in Deploying past the provision timeout to Error.
package engine
