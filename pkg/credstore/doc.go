/*
Package credstore persists per-branch session credentials.

Credentials are the durable authentication material that lets a branch
resume its messaging session without a fresh pairing challenge. The store
keeps one live record per branch plus a bounded ring of timestamped
backups, all in a single BoltDB file with per-branch nested buckets, so no
two branches ever share a keyspace and no cross-branch locking is needed.

The store distinguishes absent credentials (ErrNotFound, start a pairing
cycle) from corrupted ones (ErrCorrupted, invalidate and re-pair). Saves
are transactional: a concurrent Load never observes a partial record.
Backups are read-only with respect to the live record and are pruned
oldest-first past the configured ring size.

ExportToFile and ImportFromFile move a single branch's credentials through
an atomic snapshot file for operator-driven migration between hosts.
*/
package credstore
