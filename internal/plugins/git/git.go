package gitplugin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
)

const (
	Category = "Fetch"
	Name     = "Git"
)

type fetched struct {
	status   int
	location string
}

// gitPlugin clones or updates repositories under the scratch directory.
// Each repository is fetched once per activation; later sections naming the
// same repository reuse the first result.
type gitPlugin struct {
	plugin.BasePlugin

	mu   sync.Mutex
	done map[string]fetched
}

// New creates the Git fetch tool.
func New() plugin.Plugin {
	return &gitPlugin{done: make(map[string]fetched)}
}

var _ plugin.Plugin = (*gitPlugin)(nil)

func (p *gitPlugin) Describe() plugin.Descriptor {
	return plugin.Descriptor{
		Kind:     plugin.KindTool,
		Category: Category,
		Name:     Name,
		Options: plugin.Schema{
			{Name: "url", Description: "URL to access the repository"},
			{Name: "username", Description: "Username required for accessing the repository"},
			{Name: "password", Description: "Password required for that user to access the repository"},
			{Name: "pwfile", Description: "File where password can be found"},
			{Name: "branch", Description: "Branch (if not the default) to be downloaded"},
			{Name: "pr", Description: "Pull request to be downloaded"},
			{Name: "subdir", Description: "Subdirectory of interest in repository"},
		},
	}
}

func (p *gitPlugin) Deactivate() error {
	p.mu.Lock()
	p.done = make(map[string]fetched)
	p.mu.Unlock()
	return p.BasePlugin.Deactivate()
}

func (p *gitPlugin) Execute(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	repoURL := strings.TrimSpace(params.String("url"))
	if repoURL == "" {
		rec.Fail(model.StatusFailed, "No repository URL was provided")
		return
	}
	auth, err := authFrom(params)
	if err != nil {
		rec.Fail(model.StatusFailed, "%v", err)
		return
	}

	name := repoName(repoURL)
	p.mu.Lock()
	defer p.mu.Unlock()

	if prior, ok := p.done[name]; ok {
		rec.Status = prior.status
		if prior.status != model.StatusSuccess {
			rec.Stderr = append(rec.Stderr, fmt.Sprintf("Prior attempt to clone or update repo %s failed", name))
			return
		}
		rec.Set(model.DataLocation, prior.location)
		return
	}

	dest := filepath.Join(rc.Options().Scratch, name)
	location := dest
	if sub := params.String("subdir"); sub != "" {
		location = filepath.Join(dest, sub)
	}
	if rc.Options().DryRun {
		rec.Status = model.StatusSuccess
		rec.Set(model.DataLocation, location)
		return
	}

	log := rc.Logger().WithFields(map[string]any{"repo": name})
	branch := params.String("branch")

	info, statErr := os.Stat(dest)
	switch {
	case statErr == nil && !info.IsDir():
		err = fmt.Errorf("cannot update or clone repository %s as a file of that name already exists", name)
	case statErr == nil && params.Bool(plugin.KeyASIS):
		rec.Stdout = append(rec.Stdout, "using existing checkout "+dest)
	case statErr == nil:
		log.Debug("pulling existing checkout")
		err = pull(ctx, dest, branch, auth)
		if err == nil {
			rec.Stdout = append(rec.Stdout, "updated "+dest)
		}
	default:
		log.Debug("cloning repository")
		err = clone(ctx, dest, repoURL, branch, auth)
		if err == nil {
			rec.Stdout = append(rec.Stdout, fmt.Sprintf("cloned %s into %s", redact(repoURL), dest))
		}
	}
	if err == nil {
		if pr := params.String("pr"); pr != "" {
			err = checkoutPullRequest(ctx, dest, pr, auth)
		}
	}

	if err != nil {
		rec.Fail(model.StatusFailed, "%v", err)
		p.done[name] = fetched{status: rec.Status}
		return
	}
	rec.Status = model.StatusSuccess
	rec.Set(model.DataLocation, location)
	p.done[name] = fetched{status: model.StatusSuccess, location: location}
}

func clone(ctx context.Context, dest, repoURL, branch string, auth transport.AuthMethod) error {
	opts := &git.CloneOptions{URL: repoURL, Auth: auth}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	if _, err := git.PlainCloneContext(ctx, dest, false, opts); err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	return nil
}

func pull(ctx context.Context, dest, branch string, auth transport.AuthMethod) error {
	repo, err := git.PlainOpen(dest)
	if err != nil {
		return fmt.Errorf("open %s: %w", dest, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree %s: %w", dest, err)
	}
	opts := &git.PullOptions{RemoteName: git.DefaultRemoteName, Auth: auth}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if err := wt.PullContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to update repository: %w", err)
	}
	return nil
}

func checkoutPullRequest(ctx context.Context, dest, pr string, auth transport.AuthMethod) error {
	repo, err := git.PlainOpen(dest)
	if err != nil {
		return fmt.Errorf("open %s: %w", dest, err)
	}
	local := plumbing.NewBranchReferenceName("pr-" + pr)
	spec := gitconfig.RefSpec(fmt.Sprintf("+refs/pull/%s/head:%s", pr, local))
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch pull request %s: %w", pr, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree %s: %w", dest, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: local}); err != nil {
		return fmt.Errorf("checkout pull request %s: %w", pr, err)
	}
	return nil
}

// authFrom builds HTTP basic credentials. A nil method means anonymous.
func authFrom(params plugin.Params) (transport.AuthMethod, error) {
	username := params.String("username")
	password := params.String("password")
	if password == "" {
		if file := params.String("pwfile"); file != "" {
			var err error
			password, err = readPassword(file)
			if err != nil {
				return nil, err
			}
		}
	}
	if password != "" && username == "" {
		return nil, errors.New("password given without username")
	}
	if username == "" {
		return nil, nil
	}
	return &githttp.BasicAuth{Username: username, Password: password}, nil
}

// readPassword returns the first line of file.
func readPassword(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("password file %s does not exist", file)
		}
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	return "", scanner.Err()
}

// repoName is the last path element of the URL without ".git".
func repoName(repoURL string) string {
	p := repoURL
	if u, err := url.Parse(repoURL); err == nil && u.Path != "" {
		p = u.Path
	}
	base := path.Base(strings.TrimRight(filepath.ToSlash(p), "/"))
	return strings.TrimSuffix(base, ".git")
}

func redact(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil || u.User == nil {
		return repoURL
	}
	return u.Redacted()
}
