// Package storage defines the persistence contracts for the integration
// subsystem: credential records, in-flight authorization attempts, and
// short-lived coordination leases.
//
// Implementations live in subpackages:
//
//   - memory: in-process implementation of all three stores, suitable for
//     tests and single-instance deployments
//   - sqlite: durable CredentialStore backed by GORM over SQLite
//   - valkey: AttemptStore and LeaseStore backed by Valkey, for deployments
//     with multiple coordinator instances
//
// Stores never see plaintext secrets. Callers seal token material with
// security.Vault before persisting and open it after reading; the
// AccessSecret and RefreshSecret fields always hold sealed envelope blobs.
package storage
