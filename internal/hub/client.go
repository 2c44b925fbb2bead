// Package hub talks to the model hub's metadata and content endpoints.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strings"

	"github.com/sheerbytes/hfrelay/internal/clienthttp"
	"github.com/sheerbytes/hfrelay/internal/logging"
)

// DefaultBaseURL is the public hub.
const DefaultBaseURL = "https://huggingface.co"

// ErrNoCommits is returned when the commit listing is empty.
var ErrNoCommits = errors.New("commit listing is empty")

// Commit is one record of the commit listing.
type Commit struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// TreeEntry is one record of the recursive tree listing.
type TreeEntry struct {
	Type string `json:"type"` // "file" or "directory"
	Path string `json:"path"`
	Size int64  `json:"size"`
	OID  string `json:"oid,omitempty"`
}

// Client resolves hub URLs and fetches repository metadata.
type Client struct {
	http    *clienthttp.Client
	baseURL string
	token   string
	logger  *slog.Logger
}

// NewClient returns a Client rooted at baseURL (DefaultBaseURL when empty).
// token may be empty for public repositories.
func NewClient(baseURL, token string, hc *clienthttp.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = clienthttp.New(clienthttp.WithLogger(logger))
	}
	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logging.OrDiscard(logger),
	}
}

// HTTP returns the retrying client used for every request.
func (c *Client) HTTP() *clienthttp.Client {
	return c.http
}

// Token returns the access token, possibly empty.
func (c *Client) Token() string {
	return c.token
}

// CommitsURL is the commit listing endpoint for the default revision.
func (c *Client) CommitsURL(repo Repo) string {
	return fmt.Sprintf("%s/api/models/%s/commits/%s", c.baseURL, repo, DefaultRevision)
}

// TreeURL is the recursive tree listing endpoint for the default revision.
func (c *Client) TreeURL(repo Repo) string {
	return fmt.Sprintf("%s/api/models/%s/tree/%s?recursive=true", c.baseURL, repo, DefaultRevision)
}

// ResolveURL is the raw content URL of path at the default revision.
func (c *Client) ResolveURL(repo Repo, path string) string {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, repo, DefaultRevision, strings.Join(segments, "/"))
}

// ResolveCommit returns the id of the newest commit on the default revision.
func (c *Client) ResolveCommit(ctx context.Context, repo Repo, attempts int, notify clienthttp.RetryNotify) (string, error) {
	resp, err := c.http.GetNotify(ctx, c.CommitsURL(repo), c.token, attempts, notify)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var commits []Commit
	if err := json.NewDecoder(resp.Body).Decode(&commits); err != nil {
		return "", fmt.Errorf("parse commits: %w", err)
	}
	if len(commits) == 0 || commits[0].ID == "" {
		return "", ErrNoCommits
	}
	c.logger.Debug("resolved commit", "repo", repo.String(), "commit", commits[0].ID)
	return commits[0].ID, nil
}

// Tree lazily yields every file of the repository in listing order, one
// page at a time. Each page fetch gets attempts tries. Iteration stops at
// the first error, which is yielded with a zero entry.
func (c *Client) Tree(ctx context.Context, repo Repo, attempts int) iter.Seq2[TreeEntry, error] {
	return func(yield func(TreeEntry, error) bool) {
		next := c.TreeURL(repo)
		for page := 1; next != ""; page++ {
			entries, link, err := c.treePage(ctx, next, attempts)
			if err != nil {
				yield(TreeEntry{}, fmt.Errorf("tree page %d: %w", page, err))
				return
			}
			c.logger.Debug("tree page", "repo", repo.String(), "page", page, "entries", len(entries))
			for _, e := range entries {
				if e.Type != "" && e.Type != "file" {
					continue
				}
				if !yield(e, nil) {
					return
				}
			}
			next = c.absolute(link)
		}
	}
}

func (c *Client) treePage(ctx context.Context, pageURL string, attempts int) ([]TreeEntry, string, error) {
	resp, err := c.http.Get(ctx, pageURL, c.token, attempts)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var entries []TreeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, "", fmt.Errorf("parse tree: %w", err)
	}
	return entries, nextLink(resp.Header.Get("Link")), nil
}

// absolute resolves a possibly relative pagination link against the base URL.
func (c *Client) absolute(link string) string {
	if link == "" || strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	return c.baseURL + "/" + strings.TrimLeft(link, "/")
}

// nextLink extracts the rel="next" target of an RFC 8288 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range segs[1:] {
			param = strings.ReplaceAll(strings.TrimSpace(param), " ", "")
			if param == `rel="next"` || param == "rel=next" {
				return target[1 : len(target)-1]
			}
		}
	}
	return ""
}
