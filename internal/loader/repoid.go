package loader

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/seanblong/repotalk/internal/apperr"
)

// RepoID derives the "owner/repo/branch" identifier of a repository. It
// accepts https and ssh URLs as well as the scp-like git@host:owner/repo form.
func RepoID(repoURL, branch string) (string, error) {
	owner, name, err := ownerAndName(repoURL)
	if err != nil {
		return "", apperr.Load("loader.repo_id", err)
	}
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return "", apperr.Load("loader.repo_id", fmt.Errorf("empty branch for %q", repoURL))
	}
	if strings.HasPrefix(branch, "-") {
		return "", apperr.Load("loader.repo_id", fmt.Errorf("invalid branch %q", branch))
	}
	return owner + "/" + name + "/" + branch, nil
}

func ownerAndName(repoURL string) (string, string, error) {
	raw := strings.TrimSpace(repoURL)
	if raw == "" {
		return "", "", fmt.Errorf("empty repository url")
	}
	// git would read it as an option
	if strings.HasPrefix(raw, "-") {
		return "", "", fmt.Errorf("invalid repository url %q", repoURL)
	}

	var path string
	switch {
	case strings.Contains(raw, "://"):
		u, err := url.Parse(raw)
		if err != nil {
			return "", "", fmt.Errorf("parse %q: %w", repoURL, err)
		}
		if u.Host == "" {
			return "", "", fmt.Errorf("missing host in %q", repoURL)
		}
		path = u.Path
	case strings.Contains(raw, "@") && strings.Contains(raw, ":"):
		// git@github.com:owner/repo.git
		path = raw[strings.Index(raw, ":")+1:]
	default:
		return "", "", fmt.Errorf("unrecognised repository url %q", repoURL)
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("repository url %q has no owner/repo path", repoURL)
	}
	owner, name := parts[len(parts)-2], parts[len(parts)-1]
	if owner == "" || name == "" {
		return "", "", fmt.Errorf("repository url %q has no owner/repo path", repoURL)
	}
	return owner, name, nil
}
