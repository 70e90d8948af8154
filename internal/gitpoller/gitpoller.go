package gitpoller

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	gogitconfig "github.com/go-git/go-git/v5/config" // Renamed import
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/sirupsen/logrus"

	"github.com/user/go-argo-reconciler/internal/interfaces"
	"github.com/user/go-argo-reconciler/internal/resource"
	"github.com/user/go-argo-reconciler/internal/syncerr"
)

const remoteName = "origin"

var fetchRefSpecs = []gogitconfig.RefSpec{
	"+refs/heads/*:refs/remotes/origin/*",
	"+refs/tags/*:refs/tags/*",
}

// GitPoller reads manifests from a git repository. The repository is kept as
// a bare mirror, either in memory or under a cache directory, and manifests
// are read straight from commit trees, so no worktree is ever checked out.
type GitPoller struct {
	repoURL            string
	manifestPathInRepo string // e.g., "manifests" or "k8s"
	localPath          string
	auth               transport.AuthMethod
	logger             logrus.FieldLogger

	mu         sync.Mutex
	repository *git.Repository
}

var _ interfaces.StateSource = (*GitPoller)(nil)

// NewGitPoller creates a GitPoller for src. An empty localPath keeps the
// mirror in memory.
func NewGitPoller(src interfaces.SourceRef, localPath string, logger logrus.FieldLogger) (*GitPoller, error) {
	if src.RepoURL == "" {
		return nil, fmt.Errorf("repoURL must be provided")
	}
	gp := &GitPoller{
		repoURL:            src.RepoURL,
		manifestPathInRepo: strings.Trim(path.Clean("/"+src.Path), "/"),
		localPath:          localPath,
		logger:             logger.WithField("repo", src.RepoURL),
	}
	if src.Username != "" || src.Password != "" {
		gp.auth = &githttp.BasicAuth{Username: src.Username, Password: src.Password}
	}
	return gp, nil
}

// initializeRepo opens the mirror under localPath, or creates it with an
// origin remote pointing at the repository URL.
func (gp *GitPoller) initializeRepo() error {
	if gp.repository != nil {
		return nil
	}

	var storer storage.Storer
	if gp.localPath == "" {
		storer = memory.NewStorage()
	} else {
		storer = filesystem.NewStorage(osfs.New(gp.localPath), cache.NewObjectLRUDefault())
	}

	r, err := git.Open(storer, nil)
	switch {
	case err == nil:
		gp.logger.Debugf("Opened existing mirror at %s", gp.localPath)
		if err := gp.ensureOrigin(r); err != nil {
			return err
		}
	case errors.Is(err, git.ErrRepositoryNotExists):
		r, err = git.Init(storer, nil)
		if err != nil {
			return fmt.Errorf("failed to init mirror: %w", err)
		}
		if err := gp.ensureOrigin(r); err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to open mirror at %s: %w", gp.localPath, err)
	}
	gp.repository = r
	return nil
}

// ensureOrigin points the origin remote of r at the repository URL. A mirror
// left behind by an application whose URL changed is repointed.
func (gp *GitPoller) ensureOrigin(r *git.Repository) error {
	remote, err := r.Remote(remoteName)
	switch {
	case err == nil:
		if urls := remote.Config().URLs; len(urls) > 0 && urls[0] == gp.repoURL {
			return nil
		}
		gp.logger.Infof("Repointing mirror at %s to %s", gp.localPath, gp.repoURL)
		if err := r.DeleteRemote(remoteName); err != nil {
			return fmt.Errorf("failed to remove stale remote: %w", err)
		}
	case !errors.Is(err, git.ErrRemoteNotFound):
		return fmt.Errorf("failed to read remote: %w", err)
	}

	_, err = r.CreateRemote(&gogitconfig.RemoteConfig{
		Name:  remoteName,
		URLs:  []string{gp.repoURL},
		Fetch: fetchRefSpecs,
	})
	if err != nil {
		return fmt.Errorf("failed to add remote: %w", err)
	}
	return nil
}

// fetchLatest fetches every branch and tag from the remote.
func (gp *GitPoller) fetchLatest(ctx context.Context) error {
	if err := gp.initializeRepo(); err != nil {
		return syncerr.Wrap(syncerr.ErrSourceUnreachable, err)
	}
	err := gp.repository.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   fetchRefSpecs,
		Auth:       gp.auth,
		Force:      true,
		Tags:       git.AllTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return syncerr.Wrap(syncerr.ErrSourceUnreachable, fmt.Errorf("failed to fetch from remote: %w", err))
	}
	return nil
}

// Resolve fetches the remote and maps revision to a commit hash. An empty
// revision resolves to the remote's default branch.
func (gp *GitPoller) Resolve(ctx context.Context, revision string) (string, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if err := gp.fetchLatest(ctx); err != nil {
		return "", err
	}
	hash, err := gp.resolve(ctx, revision)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// Fetch resolves revision and parses every manifest under the configured
// path at that commit.
func (gp *GitPoller) Fetch(ctx context.Context, revision string) (string, []resource.Resource, error) {
	resolved, err := gp.Resolve(ctx, revision)
	if err != nil {
		return "", nil, err
	}
	files, err := gp.ListFiles(resolved)
	if err != nil {
		return "", nil, err
	}

	var resources []resource.Resource
	for _, f := range files {
		parsed, err := resource.ParseManifest(f.Name, f.Content)
		if err != nil {
			return "", nil, err
		}
		resources = append(resources, parsed...)
	}
	gp.logger.WithFields(logrus.Fields{
		"revision":  resolved[:7],
		"files":     len(files),
		"resources": len(resources),
	}).Debug("Read manifests")
	return resolved, resources, nil
}

// Poll resolves revision and reports whether it moved away from
// lastRevision.
func (gp *GitPoller) Poll(ctx context.Context, revision, lastRevision string) (bool, string, error) {
	resolved, err := gp.Resolve(ctx, revision)
	if err != nil {
		return false, "", err
	}
	return resolved != lastRevision, resolved, nil
}

// ListFiles returns the manifest files under the configured path at the
// given commit hash, sorted by path. The commit must already be fetched.
func (gp *GitPoller) ListFiles(revision string) ([]ManifestFile, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if err := gp.initializeRepo(); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrSourceUnreachable, err)
	}
	if !plumbing.IsHash(revision) {
		return nil, fmt.Errorf("%w: %q is not a commit hash", syncerr.ErrValidation, revision)
	}
	return gp.listFiles(plumbing.NewHash(revision))
}

func (gp *GitPoller) resolve(ctx context.Context, revision string) (plumbing.Hash, error) {
	if revision == "" {
		branch, err := gp.defaultBranch(ctx)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		revision = branch
	}

	candidates := []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName(remoteName, revision),
		plumbing.NewTagReferenceName(revision),
		plumbing.ReferenceName(revision),
	}
	for _, name := range candidates {
		ref, err := gp.repository.Reference(name, true)
		if err != nil {
			continue
		}
		// annotated tags point at a tag object
		if tag, err := gp.repository.TagObject(ref.Hash()); err == nil {
			commit, err := tag.Commit()
			if err != nil {
				return plumbing.ZeroHash, syncerr.Wrap(syncerr.ErrSourceUnreachable, fmt.Errorf("tag %s does not point at a commit: %w", revision, err))
			}
			return commit.Hash, nil
		}
		return ref.Hash(), nil
	}

	if plumbing.IsHash(revision) {
		hash := plumbing.NewHash(revision)
		if _, err := gp.repository.CommitObject(hash); err == nil {
			return hash, nil
		}
	}
	return plumbing.ZeroHash, syncerr.Wrap(syncerr.ErrSourceUnreachable, fmt.Errorf("revision %q not found in %s", revision, gp.repoURL))
}

func (gp *GitPoller) defaultBranch(ctx context.Context) (string, error) {
	remote, err := gp.repository.Remote(remoteName)
	if err != nil {
		return "", syncerr.Wrap(syncerr.ErrSourceUnreachable, err)
	}
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: gp.auth})
	if err != nil {
		return "", syncerr.Wrap(syncerr.ErrSourceUnreachable, fmt.Errorf("failed to list remote refs: %w", err))
	}
	for _, ref := range refs {
		if ref.Name() != plumbing.HEAD {
			continue
		}
		if ref.Type() == plumbing.SymbolicReference {
			return ref.Target().Short(), nil
		}
		return ref.Hash().String(), nil
	}
	return "main", nil
}

// ManifestFile is a manifest read from a commit tree.
type ManifestFile struct {
	// Name is the path of the file in the repository.
	Name    string
	Content []byte
}

// listFiles returns the .yaml, .yml and .json files under the manifest path
// at commit hash, sorted by path.
func (gp *GitPoller) listFiles(hash plumbing.Hash) ([]ManifestFile, error) {
	commit, err := gp.repository.CommitObject(hash)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrSourceUnreachable, fmt.Errorf("failed to load commit %s: %w", hash, err))
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrSourceUnreachable, fmt.Errorf("failed to load tree of %s: %w", hash, err))
	}
	if gp.manifestPathInRepo != "" {
		tree, err = tree.Tree(gp.manifestPathInRepo)
		if err != nil {
			return nil, syncerr.NewParseError(gp.manifestPathInRepo, "manifest directory not found at %s", hash.String()[:7])
		}
	}

	var files []ManifestFile
	err = tree.Files().ForEach(func(f *object.File) error {
		switch path.Ext(f.Name) {
		case ".yaml", ".yml", ".json":
		default:
			return nil
		}
		contents, err := f.Contents()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		files = append(files, ManifestFile{Name: path.Join(gp.manifestPathInRepo, f.Name), Content: []byte(contents)})
		return nil
	})
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrSourceUnreachable, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	if len(files) == 0 {
		gp.logger.Warnf("No manifest files found under %q at %s", gp.manifestPathInRepo, hash.String()[:7])
	}
	return files, nil
}
