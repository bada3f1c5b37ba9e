// Package retrieval waits for vault retrieval jobs and fetches their
// output.
//
// A [Poller] checks a job at a fixed interval, never more often than its
// minimum interval, until the job is ready or has failed:
//
//	p, _ := retrieval.NewPoller(client, retrieval.Options{Interval: 15 * time.Minute})
//	job, err := p.Wait(ctx, "photos", jobID)
//
// Once ready, [Download] writes the output to an io.WriterAt with
// parallel ranged requests and [Stream] writes it in order to an
// io.Writer. Every range is checked against the tree hash the service
// sends with it, and the merged hashes against the hash of the job.
//
// Downloads to a file can be resumed with a [ProgressFile], which records
// each chunk as it completes:
//
//	pf, _ := retrieval.OpenProgress(path)
//	done, _ := pf.Load(job.Size, retrieval.DefaultChunkSize)
//	err := retrieval.Download(ctx, client, job, f, retrieval.DownloadOptions{
//		Done:    done,
//		OnChunk: pf.Record,
//	})
package retrieval
