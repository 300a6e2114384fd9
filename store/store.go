package store

// Package store provides persistence implementations for triage instances.
// The CheckpointStore and InstanceRegistry interfaces are defined in the
// root triageflow package (../store_interface.go) to avoid import cycles
// between the engine and store packages.
//
// Every backend implements both interfaces:
//   - DynamoDBStore: single-table AWS DynamoDB backend
//   - PostgresStore: PostgreSQL backend using pgx
//   - MemoryStore: in-memory backend for tests and single-process use
//
// The DynamoDB key layout is defined in schema.go.
