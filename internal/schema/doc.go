// Package schema defines the records replicated by todosync.
//
// # Overview
//
// A Todo is the unit of replication. It exists in two replicas: the local
// store (a key/value document under the "todos" key) and the remote REST
// server. Local copies additionally carry sync metadata (Synced,
// LastSyncTime, SyncError) that is never sent to the server.
//
// # Invariants
//
//   - UpdatedAt strictly increases on every mutation (see NextTimestamp)
//   - CompletedAt is set if and only if Completed is true
//   - Order is unique among a user's active todos; gaps are tolerated
//
// # Validation
//
// Every record passes through the validator before it is allowed into either
// store:
//
//	title, err := schema.SanitizeTitle("  Buy   milk ")
//	// title == "Buy milk"
//
//	if err := schema.ValidateCreate(&dto); err != nil {
//	    var verr *schema.ValidationError
//	    if errors.As(err, &verr) {
//	        fmt.Println(verr.Field, verr.Message)
//	    }
//	}
//
// Validation errors wrap ErrValidation. They are rejected synchronously and
// are never queued or retried.
//
// # Pending Operations and Conflicts
//
// PendingOperation records a mutation that could not be confirmed against
// the remote. Conflict records a pair of same-title records whose compared
// fields (completed, priority, estimatedTime, description) diverged between
// replicas; ConflictResolution resolves exactly one of them.
package schema
