// Package httpvault speaks the Glacier REST API.
//
// [Client] implements vault.Client against a remote endpoint. Error
// responses are mapped onto the vault error taxonomy: 404 becomes
// vault.ErrNotFound, throttling, timeouts and 5xx become
// vault.TransientError, and tree hash rejections become
// *vault.IntegrityError. The client never retries on its own.
//
// [Handler] serves the same API over any vault.Client, so a bucket
// managed by blobvault can be exposed to remote clients:
//
//	svc, bucket, _ := blobvault.Open(ctx, "file:///srv/vaults")
//	defer bucket.Close()
//	http.ListenAndServe(":8080", httpvault.NewHandler(svc, logger))
package httpvault
