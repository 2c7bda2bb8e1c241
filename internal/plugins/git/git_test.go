package gitplugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	"github.com/alexisbeaulieu97/mtt/internal/plugin/plugintest"
)

func initGitRepo(t *testing.T, name string) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), name)
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tests"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tests", "README"), []byte("hello tests"), 0o644))
	_, err = wt.Add("tests/README")
	require.NoError(t, err)

	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "mtt",
			Email: "mtt@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)

	return dir
}

func TestGitClonesIntoScratch(t *testing.T) {
	t.Parallel()

	source := initGitRepo(t, "ompi-tests")
	rc := plugintest.New(t)

	rec := model.NewRecord("TestGet:ompi")
	New().Execute(context.Background(), rec, plugin.Params{"url": source, "subdir": "tests"}, rc)
	require.Equal(t, model.StatusSuccess, rec.Status, strings.Join(rec.Stderr, "\n"))

	location := filepath.Join(rc.RunOptions.Scratch, "ompi-tests", "tests")
	require.Equal(t, location, rec.Data[model.DataLocation])

	contents, err := os.ReadFile(filepath.Join(location, "README"))
	require.NoError(t, err)
	require.Equal(t, "hello tests", string(contents))
}

func TestGitReusesEarlierFetch(t *testing.T) {
	t.Parallel()

	source := initGitRepo(t, "ibm")
	rc := plugintest.New(t)
	p := New()

	first := model.NewRecord("TestGet:ibm")
	p.Execute(context.Background(), first, plugin.Params{"url": source}, rc)
	require.Equal(t, model.StatusSuccess, first.Status)

	require.NoError(t, os.RemoveAll(filepath.Join(rc.RunOptions.Scratch, "ibm")))

	second := model.NewRecord("TestGet:ibm2")
	p.Execute(context.Background(), second, plugin.Params{"url": source}, rc)
	require.Equal(t, model.StatusSuccess, second.Status)
	require.Equal(t, first.Data[model.DataLocation], second.Data[model.DataLocation])
	require.Empty(t, second.Stdout)
}

func TestGitUpdatesExistingCheckout(t *testing.T) {
	t.Parallel()

	source := initGitRepo(t, "intel")
	rc := plugintest.New(t)

	rec := model.NewRecord("TestGet:intel")
	New().Execute(context.Background(), rec, plugin.Params{"url": source}, rc)
	require.Equal(t, model.StatusSuccess, rec.Status)

	rec = model.NewRecord("TestGet:intel")
	New().Execute(context.Background(), rec, plugin.Params{"url": source}, rc)
	require.Equal(t, model.StatusSuccess, rec.Status, strings.Join(rec.Stderr, "\n"))
	require.Contains(t, rec.Stdout[0], "updated")

	rec = model.NewRecord("TestGet:intel")
	New().Execute(context.Background(), rec, plugin.Params{"url": source, plugin.KeyASIS: "true"}, rc)
	require.Equal(t, model.StatusSuccess, rec.Status)
	require.Contains(t, rec.Stdout[0], "using existing checkout")
}

func TestGitRejectsFileInTheWay(t *testing.T) {
	t.Parallel()

	rc := plugintest.New(t)
	require.NoError(t, os.WriteFile(filepath.Join(rc.RunOptions.Scratch, "blocked"), nil, 0o644))

	rec := model.NewRecord("TestGet:blocked")
	New().Execute(context.Background(), rec, plugin.Params{"url": "https://example.com/org/blocked.git"}, rc)
	require.Equal(t, model.StatusFailed, rec.Status)
	require.Contains(t, rec.Stderr[0], "already exists")
}

func TestGitRequiresURL(t *testing.T) {
	t.Parallel()

	rec := model.NewRecord("TestGet:x")
	New().Execute(context.Background(), rec, plugin.Params{}, plugintest.New(t))
	require.Equal(t, []string{"No repository URL was provided"}, rec.Stderr)
}

func TestGitDryRun(t *testing.T) {
	t.Parallel()

	rc := plugintest.New(t).WithDryRun()
	rec := model.NewRecord("TestGet:x")
	New().Execute(context.Background(), rec, plugin.Params{"url": "https://example.com/org/x.git"}, rc)
	require.Equal(t, model.StatusSuccess, rec.Status)
	require.Equal(t, filepath.Join(rc.RunOptions.Scratch, "x"), rec.Data[model.DataLocation])
	_, err := os.Stat(filepath.Join(rc.RunOptions.Scratch, "x"))
	require.True(t, os.IsNotExist(err))
}

func TestAuthFrom(t *testing.T) {
	t.Parallel()

	auth, err := authFrom(plugin.Params{})
	require.NoError(t, err)
	require.Nil(t, auth)

	pwfile := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(pwfile, []byte("s3cret\nignored\n"), 0o600))
	auth, err = authFrom(plugin.Params{"username": "mtt", "pwfile": pwfile})
	require.NoError(t, err)
	require.Equal(t, &githttp.BasicAuth{Username: "mtt", Password: "s3cret"}, auth)

	_, err = authFrom(plugin.Params{"password": "x"})
	require.Error(t, err)

	_, err = authFrom(plugin.Params{"username": "mtt", "pwfile": filepath.Join(t.TempDir(), "missing")})
	require.ErrorContains(t, err, "does not exist")
}

func TestRepoName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ompi-tests", repoName("https://github.com/open-mpi/ompi-tests.git"))
	require.Equal(t, "mtt", repoName("https://github.com/open-mpi/mtt/"))
	require.Equal(t, "local", repoName("/srv/git/local"))
}
