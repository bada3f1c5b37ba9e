// Package progress provides progress reporting for uploads and
// downloads.
//
// This package writes human-readable progress information to stderr,
// including completion percentage, transfer speed, and ETA. On a
// terminal the status lines are redrawn in place; otherwise one line is
// printed per update.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Action:     "Uploading",
//	    Name:       "photos.tar.zst",
//	    TotalSize:  totalBytes,
//	    TotalParts: numParts,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
// A Reporter satisfies both multipart.Progress and retrieval.Progress.
//
// # Output Format
//
//	[glacier] Uploading: photos.tar.zst
//	[glacier] Total size: 2.5 TiB | Parts: 10240 x 256 MiB | Workers: 16
//	[glacier] Progress: 45.2% | 1.1 TiB / 2.5 TiB | Speed: 1.2 GiB/s | ETA: 18m 32s
//	[glacier] Parts: 4628 completed | 16 in-progress | 5596 pending
package progress
