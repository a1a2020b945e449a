package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SegmentFetcher restores segment files from object storage in parallel.
// Files already present in the cache directory are not downloaded again,
// so repeated historical reads over the same segments hit local disk.
type SegmentFetcher struct {
	storage     ObjectStorage
	concurrency int
	cacheDir    string
}

// FetchResult contains the outcome of a fetch operation.
type FetchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// NewSegmentFetcher creates a fetcher that downloads into cacheDir with at
// most concurrency parallel downloads.
func NewSegmentFetcher(storage ObjectStorage, concurrency int, cacheDir string) *SegmentFetcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &SegmentFetcher{
		storage:     storage,
		concurrency: concurrency,
		cacheDir:    cacheDir,
	}
}

// Fetch downloads the given objects in parallel. Successful downloads land
// in LocalPaths keyed by object path; failures land in Errors. A partial
// result is still returned when some downloads fail.
func (f *SegmentFetcher) Fetch(ctx context.Context, objectPaths []string) (*FetchResult, error) {
	result := &FetchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}

	var queue []string
	for _, p := range objectPaths {
		local := f.localPath(p)
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[p] = local
			result.CacheHits++
			continue
		}
		queue = append(queue, p)
	}

	sem := semaphore.NewWeighted(int64(f.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = err
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(objectPath, local string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := f.storage.Download(ctx, objectPath, local); err != nil {
				mu.Lock()
				result.Errors[objectPath] = err
				mu.Unlock()
				return
			}

			mu.Lock()
			result.LocalPaths[objectPath] = local
			result.Downloads++
			mu.Unlock()
		}(p, f.localPath(p))
	}

	wg.Wait()

	return result, nil
}

// localPath maps an object path to its cache location. Only the base name
// is kept so object prefixes cannot escape the cache directory.
func (f *SegmentFetcher) localPath(objectPath string) string {
	name := filepath.Base(filepath.FromSlash(objectPath))
	if f.cacheDir == "" {
		return name
	}
	return filepath.Join(f.cacheDir, name)
}
