package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix    = "calls-"
	fileSuffix    = ".json"
	stampLayout   = "20060102-150405.000"
	formatVersion = "1"
)

// Entry is one swept call record. SDP bodies are not kept.
type Entry struct {
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id"`
	CalleeID  string    `json:"callee_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	HadOffer  bool      `json:"had_offer"`
	HadAnswer bool      `json:"had_answer"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Batch is the unit written to storage, one per sweep.
type Batch struct {
	Version    string    `json:"version"`
	ArchivedAt time.Time `json:"archived_at"`
	Entries    []Entry   `json:"entries"`
}

// Storage defines where archive batches live.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Archive keeps a history of call records removed by the janitor.
type Archive struct {
	storage   Storage
	retention time.Duration
	now       func() time.Time
}

// New creates an archive. A zero retention keeps batches forever.
func New(storage Storage, retention time.Duration) *Archive {
	return &Archive{
		storage:   storage,
		retention: retention,
		now:       time.Now,
	}
}

// Write stores entries as a single batch and returns its name.
func (a *Archive) Write(ctx context.Context, entries []Entry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	batch := Batch{
		Version:    formatVersion,
		ArchivedAt: a.now().UTC(),
		Entries:    entries,
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("failed to marshal archive batch: %w", err)
	}

	name := batchName(batch.ArchivedAt)
	if err := a.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to save archive batch: %w", err)
	}
	return name, nil
}

// Read loads a batch by name.
func (a *Archive) Read(ctx context.Context, name string) (*Batch, error) {
	reader, err := a.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive batch: %w", err)
	}
	defer reader.Close()

	var batch Batch
	if err := json.NewDecoder(reader).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode archive batch %s: %w", name, err)
	}
	return &batch, nil
}

// List returns batch names, oldest first.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	names, err := a.storage.List(ctx, filePrefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Prune deletes batches older than the retention period and returns how
// many were removed. Names that do not parse are left alone.
func (a *Archive) Prune(ctx context.Context) (int, error) {
	if a.retention <= 0 {
		return 0, nil
	}
	names, err := a.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list archive batches: %w", err)
	}

	cutoff := a.now().Add(-a.retention)
	removed := 0
	for _, name := range names {
		stamp, ok := parseBatchName(name)
		if !ok || !stamp.Before(cutoff) {
			continue
		}
		if err := a.storage.Delete(ctx, name); err != nil {
			return removed, fmt.Errorf("failed to delete archive batch %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

func batchName(t time.Time) string {
	return filePrefix + t.UTC().Format(stampLayout) + fileSuffix
}

func parseBatchName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.Parse(stampLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
