// Package dataset fetches the shared datasets an experiment manifest
// references before a run's first step, per the supplemented fetch.rs
// feature: a dataset is either already resolved, or has a source to
// fetch content from once, optionally converting raw CSV to JSON.
package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/simengine/pkg/engineerr"
)

// Fetched is one resolved dataset: its name and its content, always as
// JSON text (raw CSV sources are converted on fetch).
type Fetched struct {
	Name string
	Data []byte
}

// Fetcher resolves a named dataset source into its content. Production
// sources (HTTP, object storage) are out of scope per spec §1's
// non-goals around external integrations; this package defines the
// seam and an in-memory stub so pkg/controller can be exercised without
// a real network dependency.
type Fetcher interface {
	Fetch(ctx context.Context, ref Ref) (Fetched, error)
}

// Ref names one dataset source, as configured in the experiment
// manifest.
type Ref struct {
	Name   string
	Source string
	RawCSV bool
}

// StubFetcher resolves datasets from an in-memory registry keyed by
// source, standing in for the network fetch original_source/fetch.rs
// performed over HTTP.
type StubFetcher struct {
	mu      sync.RWMutex
	sources map[string][]byte
}

// NewStubFetcher builds a StubFetcher with no registered sources.
func NewStubFetcher() *StubFetcher {
	return &StubFetcher{sources: make(map[string][]byte)}
}

// Register makes content available under source, for later Fetch calls.
func (f *StubFetcher) Register(source string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[source] = content
}

// Fetch implements Fetcher by looking ref.Source up in the registry,
// converting raw CSV to JSON when ref.RawCSV is set.
func (f *StubFetcher) Fetch(_ context.Context, ref Ref) (Fetched, error) {
	f.mu.RLock()
	content, ok := f.sources[ref.Source]
	f.mu.RUnlock()
	if !ok {
		return Fetched{}, engineerr.New(engineerr.Configuration, fmt.Errorf("no dataset registered for source %q", ref.Source))
	}

	if ref.RawCSV {
		converted, err := ParseRawCSVToJSON(content)
		if err != nil {
			return Fetched{}, engineerr.New(engineerr.Configuration, err)
		}
		content = converted
	}
	return Fetched{Name: ref.Name, Data: content}, nil
}

// FetchAll resolves every ref concurrently, matching the original's
// unordered-buffered fetch of all project datasets; failure of any one
// fetch aborts the whole batch.
func FetchAll(ctx context.Context, f Fetcher, refs []Ref) ([]Fetched, error) {
	results := make([]Fetched, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			fetched, err := f.Fetch(gctx, ref)
			if err != nil {
				return err
			}
			results[i] = fetched
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ParseRawCSVToJSON converts headerless CSV content into a JSON array
// of string-array rows, mirroring original_source's raw-CSV ingestion
// path for datasets that ship as CSV rather than JSON.
func ParseRawCSVToJSON(content []byte) ([]byte, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1

	var rows [][]string
	for {
		record, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		rows = append(rows, record)
	}
	return json.Marshal(rows)
}
