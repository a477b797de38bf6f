package sitedeploy

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Batch is a contiguous sub-sequence of a change set plus its cumulative
// byte size.
type Batch struct {
	Files []FileEntry
	Size  int64
}

// packBatches partitions the change set with a single greedy pass. A batch
// is closed when adding the next file would push it past the limit; a file
// larger than the limit still gets a batch of its own. limit 0 means one
// batch containing everything.
func packBatches(cs ChangeSet, limit int64) []Batch {
	if len(cs) == 0 {
		return nil
	}

	var batches []Batch
	current := Batch{}
	for _, f := range cs {
		if limit > 0 && len(current.Files) > 0 && current.Size+f.Size > limit {
			batches = append(batches, current)
			current = Batch{}
		}
		current.Files = append(current.Files, f)
		current.Size += f.Size
	}
	batches = append(batches, current)
	return batches
}

// TarBatch transfers the change set as gzip-compressed tar archives, one per
// batch, extracted remotely. Batches are independent (disjoint files, own
// archive, own extraction), so they may complete in any order and are safe
// to process concurrently.
type TarBatch struct {
	BatchSizeBytes int64
	Concurrency    int
	// Target is the host additional worker sessions are dialled to.
	Target Config
	// Dial opens the extra sessions concurrent workers need. The session
	// passed to Upload is only ever used by the first worker. A nil Dial
	// caps the upload at a single worker.
	Dial     sessionFactory
	Progress ProgressFunc

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// Upload implements TransferStrategy.
func (t *TarBatch) Upload(ctx context.Context, cs ChangeSet, localDir, targetDir string, sess RemoteSession) error {
	if len(cs) == 0 {
		return nil
	}

	batches := packBatches(cs, t.BatchSizeBytes)

	workers := t.Concurrency
	if workers < 1 || t.Dial == nil {
		workers = 1
	}
	if workers > len(batches) {
		workers = len(batches)
	}

	if err := sess.MkdirAll(ctx, targetDir); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	type indexedBatch struct {
		batch Batch
		index int
	}

	jobs := make(chan indexedBatch, len(batches))
	for i, b := range batches {
		jobs <- indexedBatch{batch: b, index: i}
	}
	close(jobs)

	errs := make(chan error, len(batches))
	runID := time.Now().UnixNano()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			// Each concurrent worker drives its own exclusive session.
			workerSess := sess
			if worker > 0 {
				var err error
				workerSess, err = t.Dial(ctx, t.Target)
				if err != nil {
					errs <- fmt.Errorf("worker %d failed to connect: %w", worker, err)
					return
				}
				defer workerSess.Close()
			}

			for job := range jobs {
				if ctx.Err() != nil {
					errs <- ctx.Err()
					return
				}
				if err := t.sendBatch(ctx, workerSess, job.batch, job.index, runID, localDir, targetDir, workers > 1); err != nil {
					errs <- fmt.Errorf("batch %d failed: %w", job.index, err)
					return
				}
				if t.Progress != nil {
					t.Progress(FileEntry{RelPath: fmt.Sprintf("batch %d (%d files)", job.index, len(job.batch.Files)), Size: job.batch.Size}, job.index+1, len(batches))
				}
			}
		}(w)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// sendBatch writes the batch archive locally, puts it, extracts it remotely
// and cleans up both copies.
func (t *TarBatch) sendBatch(ctx context.Context, sess RemoteSession, b Batch, index int, runID int64, localDir, targetDir string, staggered bool) error {
	tmp, err := os.CreateTemp("", fmt.Sprintf("sitedeploy-%d-%d-*.tar.gz", runID, index))
	if err != nil {
		return fmt.Errorf("failed to create temporary archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeArchive(tmp, localDir, b.Files); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}

	archiveName := fmt.Sprintf(".sitedeploy-%d-%d.tar.gz", runID, index)
	remoteArchive := joinRemote(targetDir, archiveName)

	if err := sess.Put(ctx, tmpPath, remoteArchive); err != nil {
		return err
	}

	if staggered {
		// Spread simultaneous extractions out a little so concurrent
		// workers do not hammer the host in lockstep.
		t.pause(time.Duration(200+rand.Intn(400)) * time.Millisecond)
	}

	extract := fmt.Sprintf("tar -xzf %s -C %s && rm -f %s",
		shellQuote(remoteArchive), shellQuote(targetDir), shellQuote(remoteArchive))
	if _, err := sess.Run(ctx, extract); err != nil {
		return err
	}
	return nil
}

func (t *TarBatch) pause(d time.Duration) {
	if t.sleep != nil {
		t.sleep(d)
		return
	}
	time.Sleep(d)
}

// writeArchive streams a gzip-compressed tar of the given files into w.
// Entry names are the slash-separated paths relative to localDir.
func writeArchive(w io.Writer, localDir string, files []FileEntry) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, entry := range files {
		localPath := filepath.Join(localDir, filepath.FromSlash(entry.RelPath))
		info, err := os.Stat(localPath)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", entry.RelPath, err)
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to build tar header for %s: %w", entry.RelPath, err)
		}
		hdr.Name = entry.RelPath

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", entry.RelPath, err)
		}

		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", entry.RelPath, err)
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return fmt.Errorf("failed to archive %s: %w", entry.RelPath, err)
		}
		f.Close()
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to close gzip stream: %w", err)
	}
	return nil
}
