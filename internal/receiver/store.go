package receiver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sheerbytes/hfrelay/internal/hub"
)

const (
	maxFilenameLength = 4096
	incompleteSuffix  = ".incomplete"
	// unknownRevision names the snapshot directory when a start frame
	// carries no commit hash.
	unknownRevision = "unknown"
)

var (
	// ErrInvalidFilename is returned for empty, absolute or escaping names.
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrFilenameTooLong is returned for names over maxFilenameLength bytes.
	ErrFilenameTooLong = errors.New("filename too long")
)

// Store lays files out the way the Hugging Face hub cache does:
// {root}/models--{owner}--{name}/snapshots/{commit}/{path} and
// {root}/models--{owner}--{name}/refs/main.
type Store struct {
	root string
}

// NewStore returns a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the cache directory.
func (s *Store) Root() string {
	return s.root
}

// ValidateName checks that name is a relative slash-separated path that
// stays inside its snapshot directory.
func ValidateName(name string) error {
	if name == "" || strings.Contains(name, "\\") || strings.HasPrefix(name, "/") {
		return ErrInvalidFilename
	}
	if len(name) > maxFilenameLength {
		return ErrFilenameTooLong
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidFilename
		}
	}
	return nil
}

// SnapshotPath returns where name of repo at commit is stored.
func (s *Store) SnapshotPath(repo hub.Repo, commit, name string) string {
	if commit == "" {
		commit = unknownRevision
	}
	return filepath.Join(s.root, hub.CacheDirName(repo.String()), "snapshots", commit, filepath.FromSlash(name))
}

// Create opens a partial file for name. It is written under a temporary
// name and only appears at its final path after Commit.
func (s *Store) Create(repo hub.Repo, commit, name string) (*PartialFile, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if strings.ContainsAny(commit, `/\`) || commit == "." || commit == ".." {
		return nil, fmt.Errorf("invalid commit hash %q", commit)
	}
	final := s.SnapshotPath(repo, commit, name)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	f, err := os.Create(final + incompleteSuffix)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return &PartialFile{Name: name, file: f, final: final}, nil
}

// WriteRef records commit as the head of the main revision.
func (s *Store) WriteRef(repo hub.Repo, commit string) error {
	dir := filepath.Join(s.root, hub.CacheDirName(repo.String()), "refs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create refs dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, hub.DefaultRevision), []byte(commit), 0o644)
}

// PartialFile is a file being received.
type PartialFile struct {
	Name    string
	file    *os.File
	final   string
	written int64
}

func (p *PartialFile) Write(b []byte) (int, error) {
	n, err := p.file.Write(b)
	p.written += int64(n)
	return n, err
}

// Written returns the bytes stored so far.
func (p *PartialFile) Written() int64 {
	return p.written
}

// Commit closes the file and moves it to its final path.
func (p *PartialFile) Commit() error {
	if err := p.file.Close(); err != nil {
		os.Remove(p.file.Name())
		return fmt.Errorf("close %s: %w", p.Name, err)
	}
	if err := os.Rename(p.file.Name(), p.final); err != nil {
		return fmt.Errorf("finalize %s: %w", p.Name, err)
	}
	return nil
}

// Abort closes and removes the partial file.
func (p *PartialFile) Abort() {
	p.file.Close()
	os.Remove(p.file.Name())
}

// CachedRepo describes one repository in the cache.
type CachedRepo struct {
	RepoID    string            `json:"repo_id"`
	Path      string            `json:"repo_path"`
	Refs      map[string]string `json:"refs,omitempty"`
	Snapshots []Snapshot        `json:"revisions"`
	Files     int               `json:"nb_files"`
	Bytes     int64             `json:"size_on_disk"`
}

// Snapshot is one stored revision.
type Snapshot struct {
	Commit string `json:"commit_hash"`
	Files  int    `json:"nb_files"`
	Bytes  int64  `json:"size_on_disk"`
}

// Scan lists the model repositories in the cache, sorted by id. Partial
// files are not counted. A missing cache directory yields no repositories.
func (s *Store) Scan() ([]CachedRepo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan cache: %w", err)
	}

	var repos []CachedRepo
	for _, e := range entries {
		id, ok := repoIDFromDir(e.Name())
		if !e.IsDir() || !ok {
			continue
		}
		repoPath := filepath.Join(s.root, e.Name())
		repo := CachedRepo{RepoID: id, Path: repoPath, Refs: readRefs(filepath.Join(repoPath, "refs"))}

		snaps, err := os.ReadDir(filepath.Join(repoPath, "snapshots"))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("scan %s: %w", id, err)
		}
		for _, snap := range snaps {
			if !snap.IsDir() {
				continue
			}
			files, bytes, err := countFiles(filepath.Join(repoPath, "snapshots", snap.Name()))
			if err != nil {
				return nil, fmt.Errorf("scan %s@%s: %w", id, snap.Name(), err)
			}
			repo.Snapshots = append(repo.Snapshots, Snapshot{Commit: snap.Name(), Files: files, Bytes: bytes})
			repo.Files += files
			repo.Bytes += bytes
		}
		repos = append(repos, repo)
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].RepoID < repos[j].RepoID })
	return repos, nil
}

// repoIDFromDir maps "models--owner--name" back to "owner/name".
func repoIDFromDir(dir string) (string, bool) {
	rest, ok := strings.CutPrefix(dir, "models--")
	if !ok || rest == "" {
		return "", false
	}
	return strings.ReplaceAll(rest, "--", "/"), true
}

func readRefs(dir string) map[string]string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	refs := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		refs[e.Name()] = strings.TrimSpace(string(data))
	}
	return refs
}

func countFiles(dir string) (int, int64, error) {
	var files int
	var bytes int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), incompleteSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files++
		bytes += info.Size()
		return nil
	})
	return files, bytes, err
}
