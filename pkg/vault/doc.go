// Package vault defines the contract between the transfer engine and a
// cold-storage vault service.
//
// [Client] mirrors the service's multipart upload and job APIs. Two
// implementations ship with this module: blobvault, which keeps vault
// state in any gocloud.dev/blob bucket, and httpvault, which speaks the
// service's REST API.
//
// # Errors
//
// The error taxonomy shared by every package is defined here:
//   - [ValidationError]: bad configuration, rejected before remote calls
//   - [TransientError]: retryable remote failure (wrap with [Transient])
//   - [IntegrityError]: tree hash mismatch
//   - [ResumeMismatchError]: resume against an incompatible session
//   - [JobFailedError]: retrieval job finished unsuccessfully
//   - [DispatchError]: upload aborted; carries the resumable upload id
//
// Use errors.As to inspect them.
package vault
