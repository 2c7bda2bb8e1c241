package reporters

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/alexisbeaulieu97/mtt/internal/config"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	"github.com/alexisbeaulieu97/mtt/internal/resultlog"
)

// ClientVersion is reported to the results database.
var ClientVersion = "dev"

const (
	phaseInstall = "MPI Install"
	phaseBuild   = "Test Build"
	phaseRun     = "Test Run"
)

type mttDatabase struct {
	plugin.BasePlugin
}

// NewMTTDatabase creates the MTTDatabase reporter. It submits every TestRun
// section, preceded once each by the TestBuild it descends from and the
// middleware that build used.
func NewMTTDatabase() plugin.Plugin {
	return &mttDatabase{}
}

func (p *mttDatabase) Describe() plugin.Descriptor {
	return reporter("MTTDatabase", plugin.Schema{
		{Name: "url", Description: "URL of the database server"},
		{Name: "realm", Description: "Database name"},
		{Name: "username", Description: "Username to be used for submitting data"},
		{Name: "password", Description: "Password for that username"},
		{Name: "pwfile", Description: "File where password can be found"},
		{Name: "platform", Description: "Name of the platform (cluster) upon which the tests were run"},
		{Name: "hostname", Description: "Name of the hosts involved in the tests"},
		{Name: "timeout", Default: "30s", Description: "Time limit for each request"},
		{Name: "concurrency", Default: 4, Description: "Number of TestRun sections submitted at once"},
	})
}

func (p *mttDatabase) Execute(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	url := strings.TrimRight(params.String("url"), "/")
	if url == "" {
		rec.Fail(model.StatusFailed, "No database URL given")
		return
	}
	var credentials int
	for _, set := range []bool{
		params.String("username") != "",
		params.String("password") != "" || params.String("pwfile") != "",
		params.String("realm") != "",
	} {
		if set {
			credentials++
		}
	}
	if credentials > 0 && credentials != 3 {
		rec.Fail(model.StatusFailed, "MTTDatabase Reporter section %s: if password, username, or realm is specified, they all must be specified.", rec.Section)
		return
	}
	timeout, err := time.ParseDuration(params.String("timeout"))
	if err != nil {
		rec.Fail(model.StatusFailed, "invalid timeout: %v", err)
		return
	}

	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if credentials == 3 {
		password := params.String("password")
		if file := params.String("pwfile"); file != "" {
			if password, err = firstLine(file); err != nil {
				rec.Fail(model.StatusFailed, "%v", err)
				return
			}
		}
		client.SetBasicAuth(params.String("username"), password)
	}

	if rc.Options().DryRun {
		rec.Status = model.StatusSuccess
		rec.Stdout = append(rec.Stdout, "dry run: results not submitted to "+url)
		return
	}

	s := &submitter{
		client: client,
		log:    rc.Log(),
		ids:    make(map[string]*submission),
	}
	s.serial, err = s.clientSerial(ctx)
	if err != nil {
		rec.Fail(model.StatusFailed, "Unable to get a client serial: %v", err)
		return
	}
	s.metadata = metadata(params, rc, s.serial)

	var runs []*model.ExecutionRecord
	for _, r := range rc.Log().All() {
		if isTestRun(r) {
			runs = append(runs, r)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, params.Int("concurrency")))
	var (
		mu        sync.Mutex
		submitted int
	)
	for _, run := range runs {
		run := run
		g.Go(func() error {
			n, err := s.submitRun(gctx, run)
			if err != nil {
				return fmt.Errorf("%s: %w", run.Section, err)
			}
			mu.Lock()
			submitted += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		rec.Fail(model.StatusFailed, "submission failed: %v", err)
		rec.Set("submitted", submitted)
		return
	}
	rec.Status = model.StatusSuccess
	rec.Set("client_serial", s.serial)
	rec.Set("submitted", submitted)
	rec.Stdout = append(rec.Stdout, fmt.Sprintf("submitted %d test results from %d sections", submitted, len(runs)))
}

func metadata(params plugin.Params, rc plugin.RunContext, serial int64) map[string]any {
	defaults := rc.Defaults()
	platform := params.String("platform")
	if platform == "" {
		platform = defaults.String("platform")
	}
	hostname := params.String("hostname")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	local := ""
	if u, err := user.Current(); err == nil {
		local = u.Username
	}
	trial := 0
	if defaults.Bool("trial") {
		trial = 1
	}
	return map[string]any{
		"client_serial":      serial,
		"hostname":           hostname,
		"http_username":      params.String("username"),
		"local_username":     local,
		"mtt_client_version": ClientVersion,
		"platform_name":      platform,
		"trial":              trial,
		"execid":             executionID(rc),
	}
}

type submission struct {
	once sync.Once
	id   int64
	err  error
}

type submitter struct {
	client   *resty.Client
	log      *resultlog.Log
	serial   int64
	metadata map[string]any

	mu  sync.Mutex
	ids map[string]*submission
}

func (s *submitter) clientSerial(ctx context.Context) (int64, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"serial": "serial"}).
		Post("/serial")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, fmt.Errorf("server returned %s", resp.Status())
	}
	serial := gjson.GetBytes(resp.Body(), "client_serial")
	if !serial.Exists() {
		return 0, errors.New("response carries no client_serial")
	}
	return serial.Int(), nil
}

// post submits data rows for phase and returns the response body.
func (s *submitter) post(ctx context.Context, phase string, rows []map[string]any) ([]byte, error) {
	meta := make(map[string]any, len(s.metadata)+1)
	for k, v := range s.metadata {
		meta[k] = v
	}
	meta["phase"] = phase

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"metadata": meta, "data": rows}).
		Post("/submit")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("server returned %s", resp.Status())
	}
	body := resp.Body()
	if status := gjson.GetBytes(body, "status"); status.Int() != 0 {
		return nil, fmt.Errorf("server rejected %s submission: %s", phase, gjson.GetBytes(body, "message").String())
	}
	return body, nil
}

// once submits key at most once and returns the id found at path in the
// response.
func (s *submitter) once(ctx context.Context, key, phase, path string, row func() (map[string]any, error)) (int64, error) {
	s.mu.Lock()
	sub, ok := s.ids[key]
	if !ok {
		sub = &submission{}
		s.ids[key] = sub
	}
	s.mu.Unlock()

	sub.once.Do(func() {
		data, err := row()
		if err != nil {
			sub.err = err
			return
		}
		body, err := s.post(ctx, phase, []map[string]any{data})
		if err != nil {
			sub.err = err
			return
		}
		id := gjson.GetBytes(body, "ids.0."+path)
		if !id.Exists() {
			sub.err = fmt.Errorf("%s response carries no %s", phase, path)
			return
		}
		sub.id = id.Int()
	})
	return sub.id, sub.err
}

func (s *submitter) parentOf(rec *model.ExecutionRecord) (*model.ExecutionRecord, error) {
	parent, ok := rec.Param(plugin.KeyParent)
	if !ok {
		return nil, fmt.Errorf("%s names no parent", rec.Section)
	}
	found, ok := s.log.Get(config.ParseTitle(parent).Name)
	if !ok {
		return nil, fmt.Errorf("parent %s of %s did not record a log", parent, rec.Section)
	}
	return found, nil
}

func (s *submitter) submitBuild(ctx context.Context, build *model.ExecutionRecord) (int64, error) {
	var installID int64
	if mw, ok := build.GetString(model.DataMiddleware); ok {
		if install, found := s.log.Get(config.ParseTitle(mw).Name); found {
			var err error
			installID, err = s.once(ctx, install.Section, phaseInstall, "mpi_install_id", func() (map[string]any, error) {
				row := resultRow(install.Status, install.Stdout, install.Stderr, install.Options)
				row["mpi_name"] = install.Section
				if loc, ok := install.GetString(model.DataLocation); ok {
					row["mpi_location"] = loc
				}
				return row, nil
			})
			if err != nil {
				return 0, err
			}
		}
	}
	return s.once(ctx, build.Section, phaseBuild, "test_build_id", func() (map[string]any, error) {
		row := resultRow(build.Status, build.Stdout, build.Stderr, build.Options)
		row["suite_name"] = build.Section
		if installID != 0 {
			row["mpi_install_id"] = installID
		}
		if compiler, ok := build.Get("compiler"); ok {
			if m, ok := compiler.(map[string]any); ok {
				row["compiler_name"] = m["compiler"]
				row["compiler_version"] = m["version"]
			}
		}
		return row, nil
	})
}

func (s *submitter) submitRun(ctx context.Context, run *model.ExecutionRecord) (int, error) {
	build, err := s.parentOf(run)
	if err != nil {
		return 0, err
	}
	buildID, err := s.submitBuild(ctx, build)
	if err != nil {
		return 0, err
	}

	launcher := ""
	if run.Options != nil {
		launcher, _ = run.Options["command"].(string)
	}
	var rows []map[string]any
	tests := testResults(run)
	if len(tests) == 0 {
		tests = []model.TestResult{{Name: run.Section, Status: run.Status, Stdout: run.Stdout, Stderr: run.Stderr}}
	}
	for _, t := range tests {
		row := resultRow(t.Status, t.Stdout, t.Stderr, run.Options)
		row["test_build_id"] = buildID
		row["test_name"] = t.Name[strings.LastIndex(t.Name, "/")+1:]
		row["launcher"] = launcher
		if np, ok := run.Options["np"]; ok {
			row["np"] = np
		}
		if t.Skipped {
			row["result_message"] = "Skipped"
			row["test_result"] = 2
		}
		rows = append(rows, row)
	}
	if _, err := s.post(ctx, phaseRun, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// resultRow fills the fields every phase reports.
func resultRow(status int, stdout, stderr []string, options map[string]any) map[string]any {
	row := map[string]any{
		"start_timestamp": time.Now().UTC().Format(time.ANSIC),
		"result_stdout":   strings.Join(stdout, "\n"),
		"result_stderr":   strings.Join(stderr, "\n"),
	}
	switch status {
	case model.StatusSuccess:
		row["result_message"] = "Success"
		row["test_result"] = 1
		row["exit_value"] = 0
	case model.StatusFailed:
		row["result_message"] = "Failed"
		row["test_result"] = 0
		row["exit_value"] = status
	default:
		row["result_message"] = "Failed"
		row["test_result"] = -1
		row["exit_value"] = status
	}
	if merge, ok := options["merge_stdout_stderr"].(bool); ok {
		row["merge_stdout_stderr"] = 0
		if merge {
			row["merge_stdout_stderr"] = 1
		}
	}
	return row
}

func firstLine(file string) (string, error) {
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
