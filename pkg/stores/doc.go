// Package stores provides the hierarchical key-value backends that hold
// clusterforge records.
//
// Keys are slash separated paths such as
// "/clusterforge/<namespace>/<record-type>/<id>". Every backend implements
// the KV interface: Read, Write, Delete (optionally recursive) and List,
// which returns the direct children of a prefix. Reads of a missing key fail
// with ErrKeyNotFound.
//
// Three backends are available:
//   - EtcdStore talks to an etcd v3 cluster and is the production choice.
//   - BadgerStore is an embedded store, also usable fully in memory.
//   - SQLiteStore keeps all keys in a single migrated table.
package stores
