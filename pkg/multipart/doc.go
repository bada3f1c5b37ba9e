// Package multipart uploads archives to a vault as resumable multipart
// uploads.
//
// An archive is split into parts of a fixed power-of-two size (the last
// part may be shorter). A bounded [WorkerPool] hashes and sends parts
// concurrently, retrying transient failures, while the [Coordinator]
// records each confirmed part in the [Session] and finally asks the
// service to assemble the archive, passing the combined tree hash.
//
// # Resume
//
// An interrupted upload leaves its session on the service. Passing its id
// as Options.UploadID rebuilds the confirmed set from the service's part
// list and sends only the missing parts:
//
//	res, err := multipart.Upload(ctx, client, "photos", archive, multipart.Options{
//		UploadID: "...",
//		Workers:  8,
//	})
//
// # Errors
//
// A permanent part failure or cancellation returns *vault.DispatchError,
// a finalize hash mismatch returns *vault.IntegrityError, and a resume
// whose plan disagrees with the session returns *vault.ResumeMismatchError.
// In every case the session stays open and its id is in the error.
package multipart
