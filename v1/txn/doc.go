// Package txn tracks transactions running on a node. Local transactions are
// started by clients of the node, remote ones represent the footprint of a
// transaction that originated on a peer and was replicated here.
//
// Contexts are addressed by ID through a Table; other packages never hold
// references between contexts.
package txn
