// Package blobvault implements a vault service on any blob store
// supported by gocloud.dev/blob (memory, local files, S3, GCS).
//
// Multipart uploads are kept as one object per part, with the part's
// byte range and tree hash in the object metadata:
//
//	{vault}/uploads/{upload_id}/session.json
//	{vault}/uploads/{upload_id}/part-000000
//	{vault}/uploads/{upload_id}/part-000001
//
// Completing an upload writes a manifest listing the parts and removes
// session.json; the part objects stay where they are:
//
//	{vault}/archives/{archive_id}.manifest.json
//
// Retrieval jobs are records under {vault}/jobs/ that become ready after
// a configurable delay, so callers exercise the same polling path they
// use against a remote service.
//
// # Usage
//
//	svc, bucket, err := blobvault.Open(ctx, "file:///var/lib/vaults")
//	if err != nil {
//		return err
//	}
//	defer bucket.Close()
//	res, err := multipart.Upload(ctx, svc, "photos", archive, opts)
package blobvault
