// Package privacykit provides a compliance-aware persistence layer that sits
// between application code and a pluggable storage backend.
//
// It batches writes for throughput (UpdateQueue), encrypts sensitive fields at
// rest (EncryptionService), tracks per-user consent (ConsentManager), keeps an
// immutable audit trail (AuditLogger), and implements regulated data-subject
// rights such as export, deletion, rectification, restriction, objection and
// anonymization (RightsService). Storage backends (e.g. memory, Postgres) are
// provided under subpackages and plugged in through the StorageBackend
// interface.
//
// Components are constructed independently with functional options and own
// their mutable state (queue map, consent cache, key cache) behind their own
// locks, so several instances can coexist in one process and tests can build
// isolated stacks against the in-memory backend.
package privacykit
