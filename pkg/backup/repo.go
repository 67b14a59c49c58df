package backup

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/keelson-run/keelson/pkg/lifecycle"
	"github.com/keelson-run/keelson/pkg/log"
	"github.com/keelson-run/keelson/pkg/store"
)

// RepoConfig configures the workspace-repository backup path. It is
// independent of the archive sync and its safety gate, and uses ordinary
// version-control push semantics: additive history, no force push.
type RepoConfig struct {
	// RemoteURL is the backup repository remote.
	RemoteURL string
	// Token authenticates pushes to http(s) remotes and, for GitHub
	// remotes, the repository bootstrap.
	Token string
	// Dir is the workspace root. Defaults to the standard layout.
	Dir string
	// Branch names the backup branch. Defaults to "main".
	Branch string
}

// RepoBackup pushes the workspace repository to its backup remote.
type RepoBackup struct {
	cfg RepoConfig

	now       func() time.Time
	newClient func(ctx context.Context, token string) *github.Client
}

// NewRepoBackup creates the workspace backup path.
func NewRepoBackup(cfg RepoConfig) *RepoBackup {
	if cfg.Dir == "" {
		cfg.Dir = lifecycle.DefaultPaths().WorkspaceDir()
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	return &RepoBackup{
		cfg: cfg,
		now: time.Now,
		newClient: func(ctx context.Context, token string) *github.Client {
			src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
			return github.NewClient(oauth2.NewClient(ctx, src))
		},
	}
}

// Sync commits any workspace changes and pushes them to the backup
// remote. Returns the same SyncResult shape as the archive engine.
func (b *RepoBackup) Sync(ctx context.Context) SyncResult {
	if b.cfg.RemoteURL == "" {
		return SyncResult{Err: fmt.Errorf("%w: workspace backup remote url is missing", store.ErrNotConfigured)}
	}
	if b.cfg.Token == "" {
		return SyncResult{Err: fmt.Errorf("%w: workspace backup token is missing", store.ErrNotConfigured)}
	}

	if err := b.ensureRemote(ctx); err != nil {
		// Bootstrap is best effort; a push against a truly absent
		// repository fails below with its own diagnostics.
		log.Warn("backup repository bootstrap failed", "error", err)
	}

	repo, fresh, err := b.openOrInit()
	if err != nil {
		return SyncResult{Err: fmt.Errorf("%w: %v", ErrSyncFailed, err), Detail: err.Error()}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return SyncResult{Err: fmt.Errorf("%w: %v", ErrSyncFailed, err), Detail: err.Error()}
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return SyncResult{Err: fmt.Errorf("%w: failed to stage workspace: %v", ErrSyncFailed, err), Detail: err.Error()}
	}
	status, err := wt.Status()
	if err != nil {
		return SyncResult{Err: fmt.Errorf("%w: %v", ErrSyncFailed, err), Detail: err.Error()}
	}

	now := b.now()
	if status.IsClean() {
		if fresh {
			return SyncResult{Success: true, Detail: "workspace is empty; nothing to back up"}
		}
	} else {
		_, err = wt.Commit(fmt.Sprintf("workspace backup %s", lifecycle.FormatSyncStamp(now)), &git.CommitOptions{
			Author: &object.Signature{Name: "keelson", Email: "keelson@localhost", When: now},
		})
		if err != nil {
			return SyncResult{Err: fmt.Errorf("%w: commit failed: %v", ErrSyncFailed, err), Detail: err.Error()}
		}
	}

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       b.pushAuth(),
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return SyncResult{Err: fmt.Errorf("%w: push failed: %v", ErrSyncFailed, err), Detail: err.Error()}
	}

	stamp := lifecycle.FormatSyncStamp(now)
	log.Info("workspace backup pushed", "remote", b.cfg.RemoteURL, "last_sync", stamp)
	return SyncResult{Success: true, LastSync: stamp}
}

// openOrInit opens the workspace repository, initializing one with the
// backup remote on first use. fresh reports a just-initialized repo.
func (b *RepoBackup) openOrInit() (repo *git.Repository, fresh bool, err error) {
	repo, err = git.PlainOpen(b.cfg.Dir)
	if err == nil {
		if _, remoteErr := repo.Remote("origin"); remoteErr == git.ErrRemoteNotFound {
			_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{b.cfg.RemoteURL}})
		}
		return repo, false, err
	}
	if err != git.ErrRepositoryNotExists {
		return nil, false, fmt.Errorf("failed to open workspace repository: %w", err)
	}

	repo, err = git.PlainInit(b.cfg.Dir, false)
	if err != nil {
		return nil, false, fmt.Errorf("failed to init workspace repository: %w", err)
	}
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{b.cfg.RemoteURL}})
	if err != nil {
		return nil, false, fmt.Errorf("failed to add backup remote: %w", err)
	}
	return repo, true, nil
}

// pushAuth returns token auth for http(s) remotes; other transports
// (local paths, ssh agents) manage their own credentials.
func (b *RepoBackup) pushAuth() transport.AuthMethod {
	if !strings.HasPrefix(b.cfg.RemoteURL, "http://") && !strings.HasPrefix(b.cfg.RemoteURL, "https://") {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: b.cfg.Token}
}

// ensureRemote verifies the backup repository exists on GitHub, creating
// a private one when it does not. Non-GitHub remotes are left alone.
func (b *RepoBackup) ensureRemote(ctx context.Context) error {
	owner, name, ok := parseGitHubRemote(b.cfg.RemoteURL)
	if !ok {
		return nil
	}
	client := b.newClient(ctx, b.cfg.Token)
	_, resp, err := client.Repositories.Get(ctx, owner, name)
	if err == nil {
		return nil
	}
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		log.Info("creating backup repository", "owner", owner, "repo", name)
		_, _, createErr := client.Repositories.Create(ctx, "", &github.Repository{
			Name:    github.String(name),
			Private: github.Bool(true),
		})
		if createErr != nil {
			return fmt.Errorf("failed to create backup repository %s/%s: %w", owner, name, createErr)
		}
		return nil
	}
	return fmt.Errorf("failed to check backup repository %s/%s: %w", owner, name, err)
}

// parseGitHubRemote extracts owner and repository name from a GitHub
// https remote URL.
func parseGitHubRemote(url string) (owner, name string, ok bool) {
	trimmed, found := strings.CutPrefix(url, "https://github.com/")
	if !found {
		return "", "", false
	}
	trimmed = strings.TrimSuffix(strings.TrimSuffix(trimmed, "/"), ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
