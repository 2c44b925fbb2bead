package manifest

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"iter"

	"github.com/sheerbytes/hfrelay/internal/filter"
	"github.com/sheerbytes/hfrelay/internal/hub"
)

// FileItem is one file selected for transfer.
type FileItem struct {
	RelPath string `json:"rel_path"` // Relative path with forward slashes
	Size    int64  `json:"size"`     // Size declared by the listing, 0 if unknown
	ID      string `json:"id"`       // Deterministic ID (16 hex chars)
}

// Manifest is the transfer set of one session: the filtered files of one
// repository revision, in listing order.
type Manifest struct {
	Repo       string     `json:"repo"`
	Commit     string     `json:"commit"`
	Items      []FileItem `json:"items"`
	TotalBytes int64      `json:"total_bytes"`
	FileCount  int        `json:"file_count"`
	Skipped    int        `json:"skipped"` // hidden or excluded entries
}

// ListingError is returned when the repository listing cannot be obtained.
type ListingError struct {
	Repo string
	Err  error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("list files of %s: %v", e.Repo, e.Err)
}

func (e *ListingError) Unwrap() error {
	return e.Err
}

// Source enumerates the files of a repository. *hub.Client implements it.
type Source interface {
	Tree(ctx context.Context, repo hub.Repo, attempts int) iter.Seq2[hub.TreeEntry, error]
}

// Lister produces transfer sets.
type Lister struct {
	source   Source
	filter   *filter.Filter
	attempts int
}

// NewLister returns a Lister. attempts bounds the retries of each listing
// page fetch; values below 1 mean a single attempt.
func NewLister(source Source, f *filter.Filter, attempts int) *Lister {
	if attempts < 1 {
		attempts = 1
	}
	return &Lister{source: source, filter: f, attempts: attempts}
}

// List lazily yields the files of repo that pass the filter, in listing
// order. Each entry is filtered as soon as it arrives. A listing failure is
// yielded once as a *ListingError and ends the sequence.
func (l *Lister) List(ctx context.Context, repo hub.Repo) iter.Seq2[FileItem, error] {
	return func(yield func(FileItem, error) bool) {
		for entry, err := range l.source.Tree(ctx, repo, l.attempts) {
			if err != nil {
				yield(FileItem{}, &ListingError{Repo: repo.String(), Err: err})
				return
			}
			if !l.filter.Included(entry.Path) {
				continue
			}
			item := FileItem{RelPath: entry.Path, Size: entry.Size}
			item.ID = computeID(item)
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Build drains the listing of repo into a Manifest tagged with commit.
func (l *Lister) Build(ctx context.Context, repo hub.Repo, commit string) (Manifest, error) {
	m := Manifest{
		Repo:   repo.String(),
		Commit: commit,
		Items:  make([]FileItem, 0),
	}
	seen := 0
	for entry, err := range l.source.Tree(ctx, repo, l.attempts) {
		if err != nil {
			return Manifest{}, &ListingError{Repo: repo.String(), Err: err}
		}
		seen++
		if !l.filter.Included(entry.Path) {
			continue
		}
		item := FileItem{RelPath: entry.Path, Size: entry.Size}
		item.ID = computeID(item)
		m.Items = append(m.Items, item)
		m.FileCount++
		m.TotalBytes += item.Size
	}
	m.Skipped = seen - m.FileCount
	return m, nil
}

// computeID generates a deterministic 16-character hex ID for a FileItem.
// Uses FNV-1a 64-bit hash of: RelPath + "|" + Size
func computeID(item FileItem) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d", item.RelPath, item.Size)
	return hexSum(h.Sum64())
}

// ManifestID generates a stable 16-character hex ID for a manifest, derived
// from the repository, commit and the ordered item IDs. Two listings of the
// same snapshot with the same filter produce the same ID.
// Returns empty string if manifest has no items.
func ManifestID(m Manifest) string {
	if len(m.Items) == 0 {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%d", m.Repo, m.Commit, m.TotalBytes, m.FileCount)
	for _, item := range m.Items {
		h.Write([]byte("|" + item.ID))
	}
	return hexSum(h.Sum64())
}

func hexSum(v uint64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return hex.EncodeToString(buf)
}
