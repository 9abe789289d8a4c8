// Package models maps typed records onto a hierarchical key-value store.
//
// Every record is stored under "<root>/<namespace>/<kind>/<id>" as a sparse
// JSON object: one string per non-empty field. Global kinds such as
// Organization and User use the literal namespace "global".
//
// A Manager is the only handle to the store. It is created once at process
// start and passed explicitly:
//
//	mgr := models.NewManager(kv, models.WithSecretKey(key))
//	cluster := models.NewCluster("acme", "demo")
//	if err := mgr.Save(ctx, cluster, true); err != nil {
//		return err
//	}
//
// Relation fields are serialized as "<Kind>:<id>" and loaded recursively.
// A missing relation target fails the load with ErrNotFound.
package models
