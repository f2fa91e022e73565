// Package orgflow is the library API for organizational branch coordination.
//
// A Client wraps one git working copy: it allocates and tracks work
// branches, merges them into the canonical organizational branch, detects
// drift on the user's branch, keeps a hash-chained audit ledger and captures
// recovery points before destructive operations.
//
// # Concurrency Safety
//
// Mutating operations (branch create/delete/resolve/reconcile, merge,
// rollback) take the repository lock, so Clients in different processes
// serialize on the same repository. Read operations do not lock.
//
// # Usage
//
//	client, err := orgflow.Open(ctx, ".", orgflow.Options{})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	res, err := client.CreateWorkBranch(ctx, "auth", "")
//	// ... commit work on res.Branch.Name ...
//	out, err := client.Merge(ctx, res.Branch.Name)
package orgflow
