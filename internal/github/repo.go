// internal/github/repo.go
package github

import (
	"net/url"
	"strings"

	custom_errors "commit-notifier/internal/errors"
)

// RepoRef identifies a repository and an optional branch.
type RepoRef struct {
	Owner  string
	Name   string
	Branch string
}

// String renders the reference in canonical 'owner/name[:branch]' form.
func (r RepoRef) String() string {
	if r.Branch == "" {
		return r.Owner + "/" + r.Name
	}
	return r.Owner + "/" + r.Name + ":" + r.Branch
}

// NormalizeRepoString accepts GitHub URLs ("https://github.com/o/r", "github.com/o/r/tree/b",
// with or without a .git suffix) as well as "o/r" and "o/r:b", and returns the canonical form.
func NormalizeRepoString(s string) (string, error) {
	ref, err := parseInput(s)
	if err != nil {
		return "", err
	}
	return ref.String(), nil
}

// ParseRepoString splits a canonical 'owner/name[:branch]' string.
func ParseRepoString(s string) (RepoRef, error) {
	s = strings.TrimSpace(s)
	path, branch, _ := strings.Cut(s, ":")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, &custom_errors.ErrInvalidRepoFormat{Repo: s}
	}
	if strings.Contains(s, ":") && branch == "" {
		return RepoRef{}, &custom_errors.ErrInvalidRepoFormat{Repo: s}
	}
	return RepoRef{Owner: parts[0], Name: parts[1], Branch: branch}, nil
}

func parseInput(s string) (RepoRef, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return RepoRef{}, &custom_errors.ErrInvalidRepoFormat{Repo: s}
	}

	lower := strings.ToLower(raw)
	isURL := strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "github.com/") || strings.HasPrefix(lower, "www.github.com/")
	if !isURL {
		ref, err := ParseRepoString(raw)
		if err != nil {
			return RepoRef{}, err
		}
		ref.Name = strings.TrimSuffix(ref.Name, ".git")
		return ref, nil
	}

	if !strings.Contains(lower, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return RepoRef{}, &custom_errors.ErrInvalidRepoFormat{Repo: s}
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return RepoRef{}, &custom_errors.ErrInvalidRepoFormat{Repo: s}
	}
	ref := RepoRef{
		Owner: segments[0],
		Name:  strings.TrimSuffix(segments[1], ".git"),
	}
	// branch names may contain slashes: /tree/feature/x
	if len(segments) >= 4 && segments[2] == "tree" {
		ref.Branch = strings.Join(segments[3:], "/")
	}
	if ref.Name == "" {
		return RepoRef{}, &custom_errors.ErrInvalidRepoFormat{Repo: s}
	}
	return ref, nil
}
