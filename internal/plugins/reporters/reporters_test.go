package reporters

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	"github.com/alexisbeaulieu97/mtt/internal/plugin/plugintest"
)

func params(t *testing.T, p plugin.Plugin, kv ...string) plugin.Params {
	t.Helper()
	var raw []model.Param
	for i := 0; i+1 < len(kv); i += 2 {
		raw = append(raw, model.Param{Key: kv[i], Value: kv[i+1]})
	}
	out, err := plugin.Reconcile("Reporter:x", p.Describe().Options, raw, nil)
	require.NoError(t, err)
	return out
}

// campaign returns a context whose log holds a small finished run: one
// middleware build, one test build and a TestRun with three tests.
func campaign(t *testing.T) *plugintest.Context {
	t.Helper()
	rc := plugintest.New(t)
	rc.DefaultOpts = plugin.Params{"description": "nightly", "platform": "cluster-a", "trial": true}

	add := func(section string, status int, elapsed time.Duration, data map[string]any, params ...model.Param) {
		rec := model.NewRecord(section)
		rec.Status = status
		rec.Elapsed = elapsed
		rec.Parameters = params
		rec.Options = map[string]any{"command": "mpirun -np 2", "merge_stdout_stderr": false}
		for k, v := range data {
			rec.Set(k, v)
		}
		rc.Records.Append(rec)
	}

	add("MiddlewareBuild:ompi", 0, time.Second, map[string]any{model.DataLocation: "/opt/ompi"})
	add("TestGet:broken", 1, 0, nil)
	add("TestBuild:ibm", 0, 2*time.Second, map[string]any{model.DataMiddleware: "MiddlewareBuild:ompi"},
		model.Param{Key: "parent", Value: "TestGet:ibm"})
	add("TestRun:ibm", 2, 3*time.Second, map[string]any{model.DataTests: []model.TestResult{
		{Name: "hello", Status: 0, Stdout: []string{"hi"}, Time: 0.5},
		{Name: "ring", Status: 2, Stderr: []string{"boom"}, Time: 1},
		{Name: "cuda", Status: 0, Skipped: true},
	}}, model.Param{Key: "parent", Value: "TestBuild:ibm"})
	return rc
}

func TestAllReportersAreReporterStages(t *testing.T) {
	t.Parallel()

	reg := plugin.NewRegistry(nil)
	reg.MustRegister(All()...)
	for _, desc := range reg.List(plugin.CategoryReporter) {
		require.Equal(t, plugin.KindStage, desc.Kind)
	}
	require.Len(t, reg.List(plugin.CategoryReporter), 7)
}

func TestTextFile(t *testing.T) {
	t.Parallel()

	rc := campaign(t)
	p := NewTextFile()
	rec := model.NewRecord("Reporter:text")
	p.Execute(context.Background(), rec, params(t, p, "filename", "report.txt", "summary_footer", "-- end --"), rc)
	require.Equal(t, model.StatusSuccess, rec.Status, strings.Join(rec.Stderr, "\n"))

	dest := filepath.Join(rc.RunOptions.Scratch, "report.txt")
	require.Equal(t, dest, rec.Data["output"])
	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	text := string(raw)

	require.True(t, strings.HasPrefix(text, "nightly\n"))
	require.Contains(t, text, "TestGet:broken")
	require.Contains(t, text, "FAIL (2)")
	require.Contains(t, text, "4 sections, 2 failed")
	require.Contains(t, text, "-- end --")
	require.Contains(t, text, "test cuda: skip")
	require.Contains(t, text, "test ring: fail (2)")
	require.Contains(t, text, "parent = TestBuild:ibm")
}

func TestTextFileToStdout(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := &textFile{stdout: &out}
	rec := model.NewRecord("Reporter:text")
	p.Execute(context.Background(), rec, params(t, p), campaign(t))
	require.Equal(t, model.StatusSuccess, rec.Status)
	require.Contains(t, out.String(), "MiddlewareBuild:ompi")
	require.NotContains(t, rec.Data, "output")
}

func TestWrap(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"short"}, wrap("short", 10))
	require.Equal(t, []string{"aaaa bbbb", "cccc"}, wrap("aaaa bbbb cccc", 10))
	require.Equal(t, []string{"abcdefghij", "klm"}, wrap("abcdefghijklm", 10))
	require.Equal(t, []string{"anything"}, wrap("anything", 0))
}

func TestJunitXML(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := &junitXML{stdout: &out}
	rec := model.NewRecord("Reporter:junit")
	p.Execute(context.Background(), rec, params(t, p, "suite", "job1"), campaign(t))
	require.Equal(t, model.StatusSuccess, rec.Status, strings.Join(rec.Stderr, "\n"))

	var doc junitSuites
	require.NoError(t, xml.Unmarshal(out.Bytes(), &doc))
	require.Len(t, doc.Suites, 1)
	suite := doc.Suites[0]
	require.Equal(t, "job1", suite.Name)
	require.Equal(t, 6, suite.Tests)
	require.Equal(t, 1, suite.Failures)
	require.Equal(t, 1, suite.Errors)
	require.Equal(t, 1, suite.Skipped)

	byName := map[string]junitCase{}
	for _, c := range suite.Cases {
		byName[c.Name] = c
	}
	require.NotNil(t, byName["TestGet:broken"].Error)
	require.NotNil(t, byName["ring"].Failure)
	require.Equal(t, "TestRun:ibm", byName["ring"].Classname)
	require.Equal(t, "boom", byName["ring"].SystemErr)
	require.NotNil(t, byName["cuda"].Skipped)
	require.Nil(t, byName["hello"].Failure)
}

func TestJunitFailedTestRunWithoutResults(t *testing.T) {
	t.Parallel()

	rec := model.NewRecord("TestRun:single")
	rec.Status = 3
	doc := buildJunit("x", []*model.ExecutionRecord{rec})
	require.Equal(t, 1, doc.Failures)
	require.Equal(t, "Test reported failure", doc.Suites[0].Cases[0].Failure.Message)
}

func TestJSONFile(t *testing.T) {
	t.Parallel()

	rc := campaign(t)
	p := NewJSONFile()
	rec := model.NewRecord("Reporter:json")
	p.Execute(context.Background(), rec, params(t, p, "filename", "out/results.json", "pretty", "false"), rc)
	require.Equal(t, model.StatusSuccess, rec.Status, strings.Join(rec.Stderr, "\n"))

	raw, err := os.ReadFile(filepath.Join(rc.RunOptions.Scratch, "out", "results.json"))
	require.NoError(t, err)
	require.Equal(t, "test", gjson.GetBytes(raw, "execid").String())
	require.Equal(t, "cluster-a", gjson.GetBytes(raw, "platform").String())
	require.True(t, gjson.GetBytes(raw, "trial").Bool())
	require.Equal(t, int64(4), gjson.GetBytes(raw, "payload.#").Int())
	require.Equal(t, "ring", gjson.GetBytes(raw, "payload.3.data.testresults.1.name").String())
}

func TestExecutionIDIsMintedWhenMissing(t *testing.T) {
	t.Parallel()

	rc := plugintest.New(t)
	rc.RunOptions.ExecutionID = ""
	id := executionID(rc)
	require.Len(t, id, 36)
}

type mttServer struct {
	mu      sync.Mutex
	phases  map[string]int
	rows    int
	authOK  bool
	reject  bool
	payload []json.RawMessage
}

func (s *mttServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/serial", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		s.mu.Lock()
		s.authOK = ok && user == "mtt" && pass == "s3cret"
		s.mu.Unlock()
		io.WriteString(w, `{"client_serial": 42}`)
	})
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if !assertNoError(t, err) {
			return
		}
		phase := gjson.GetBytes(body, "metadata.phase").String()
		s.mu.Lock()
		s.phases[phase]++
		s.rows += int(gjson.GetBytes(body, "data.#").Int())
		s.payload = append(s.payload, body)
		s.mu.Unlock()
		if s.reject {
			io.WriteString(w, `{"status": 1, "message": "bad payload"}`)
			return
		}
		io.WriteString(w, `{"status": 0, "ids": [{"mpi_install_id": 3, "test_build_id": 7}]}`)
	})
	return mux
}

func assertNoError(t *testing.T, err error) bool {
	if err != nil {
		t.Errorf("unexpected error: %v", err)
		return false
	}
	return true
}

func TestMTTDatabaseSubmitsHierarchy(t *testing.T) {
	t.Parallel()

	srv := &mttServer{phases: map[string]int{}}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	p := NewMTTDatabase()
	rec := model.NewRecord("Reporter:db")
	p.Execute(context.Background(), rec, params(t, p,
		"url", ts.URL,
		"realm", "OMPI",
		"username", "mtt",
		"password", "s3cret",
	), campaign(t))

	require.Equal(t, model.StatusSuccess, rec.Status, strings.Join(rec.Stderr, "\n"))
	require.True(t, srv.authOK)
	require.Equal(t, map[string]int{phaseInstall: 1, phaseBuild: 1, phaseRun: 1}, srv.phases)
	require.Equal(t, 5, srv.rows)
	require.Equal(t, 3, rec.Data["submitted"])
	require.Equal(t, int64(42), rec.Data["client_serial"])

	last := srv.payload[len(srv.payload)-1]
	require.Equal(t, int64(7), gjson.GetBytes(last, "data.0.test_build_id").Int())
	require.Equal(t, "mpirun -np 2", gjson.GetBytes(last, "data.0.launcher").String())
	require.Equal(t, int64(1), gjson.GetBytes(last, "metadata.trial").Int())
	require.Equal(t, "cluster-a", gjson.GetBytes(last, "metadata.platform_name").String())
}

func TestMTTDatabaseRejectedSubmission(t *testing.T) {
	t.Parallel()

	srv := &mttServer{phases: map[string]int{}, reject: true}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	p := NewMTTDatabase()
	rec := model.NewRecord("Reporter:db")
	p.Execute(context.Background(), rec, params(t, p, "url", ts.URL), campaign(t))
	require.Equal(t, model.StatusFailed, rec.Status)
	require.Contains(t, rec.Stderr[0], "bad payload")
}

func TestMTTDatabaseCredentialsAllOrNone(t *testing.T) {
	t.Parallel()

	p := NewMTTDatabase()
	rec := model.NewRecord("Reporter:db")
	p.Execute(context.Background(), rec, params(t, p, "url", "http://localhost", "username", "mtt"), campaign(t))
	require.Equal(t, model.StatusFailed, rec.Status)
	require.Contains(t, rec.Stderr[0], "they all must be specified")

	rec = model.NewRecord("Reporter:db")
	p.Execute(context.Background(), rec, params(t, p), campaign(t))
	require.Equal(t, []string{"No database URL given"}, rec.Stderr)

	rec = model.NewRecord("Reporter:db")
	p.Execute(context.Background(), rec, params(t, p,
		"url", "http://localhost", "username", "mtt", "realm", "x",
		"pwfile", filepath.Join(t.TempDir(), "missing"),
	), campaign(t))
	require.Contains(t, rec.Stderr[0], "does not exist")
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []amqp.Publishing
	keys     []string
	fail     error
}

func (r *recordingPublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	r.keys = append(r.keys, key)
	return nil
}

func TestAMQPPublishesRunDocument(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	closed := false
	p := &amqpReporter{dial: func(url string) (Publisher, func() error, error) {
		require.Equal(t, "amqp://broker/", url)
		return pub, func() error { closed = true; return nil }, nil
	}}

	rec := model.NewRecord("Reporter:mq")
	p.Execute(context.Background(), rec, params(t, p, "url", "amqp://broker/"), campaign(t))
	require.Equal(t, model.StatusSuccess, rec.Status, strings.Join(rec.Stderr, "\n"))
	require.True(t, closed)
	require.Len(t, pub.messages, 1)
	require.Equal(t, []string{"mtt.results"}, pub.keys)
	require.Equal(t, "application/json", pub.messages[0].ContentType)
	require.Equal(t, "test", pub.messages[0].CorrelationId)
	require.Equal(t, int64(4), gjson.GetBytes(pub.messages[0].Body, "payload.#").Int())

	rec = model.NewRecord("Reporter:mq")
	p.Execute(context.Background(), rec, params(t, p, "url", "amqp://broker/", "per_section", "true"), campaign(t))
	require.Equal(t, model.StatusSuccess, rec.Status)
	require.Len(t, pub.messages, 5)
	require.Equal(t, "TestRun:ibm", gjson.GetBytes(pub.messages[4].Body, "entry.section").String())
}

func TestAMQPFailures(t *testing.T) {
	t.Parallel()

	p := &amqpReporter{dial: func(string) (Publisher, func() error, error) {
		return nil, nil, errors.New("connection refused")
	}}
	rec := model.NewRecord("Reporter:mq")
	p.Execute(context.Background(), rec, params(t, p), campaign(t))
	require.Equal(t, []string{"connection refused"}, rec.Stderr)

	p = &amqpReporter{dial: func(string) (Publisher, func() error, error) {
		return &recordingPublisher{fail: errors.New("channel closed")}, func() error { return nil }, nil
	}}
	rec = model.NewRecord("Reporter:mq")
	p.Execute(context.Background(), rec, params(t, p), campaign(t))
	require.Contains(t, rec.Stderr[0], "channel closed")

	rec = model.NewRecord("Reporter:mq")
	p.Execute(context.Background(), rec, params(t, p, "routing_key", ""), campaign(t))
	require.Contains(t, rec.Stderr[0], "needs an exchange or a routing key")
}

func TestAMQPDryRunDoesNotDial(t *testing.T) {
	t.Parallel()

	p := &amqpReporter{dial: func(string) (Publisher, func() error, error) {
		t.Fatal("dialed during dry run")
		return nil, nil, nil
	}}
	rec := model.NewRecord("Reporter:mq")
	p.Execute(context.Background(), rec, params(t, p), campaign(t).WithDryRun())
	require.Equal(t, model.StatusSuccess, rec.Status)
}

func TestPrometheusTextfile(t *testing.T) {
	t.Parallel()

	rc := campaign(t)
	p := NewPrometheus()
	rec := model.NewRecord("Reporter:prom")
	p.Execute(context.Background(), rec, params(t, p), rc)
	require.Equal(t, model.StatusSuccess, rec.Status, strings.Join(rec.Stderr, "\n"))

	raw, err := os.ReadFile(filepath.Join(rc.RunOptions.Scratch, "mtt.prom"))
	require.NoError(t, err)
	text := string(raw)
	require.Contains(t, text, `mtt_sections_total{category="TestRun",outcome="failure"} 1`)
	require.Contains(t, text, `mtt_tests_total{outcome="skipped",section="TestRun:ibm"} 1`)
	require.Contains(t, text, `mtt_tests_total{outcome="success",section="TestRun:ibm"} 1`)
}

func TestLogInterpolationDebug(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := &logDebug{stdout: &out}
	rec := model.NewRecord("Reporter:debug")
	p.Execute(context.Background(), rec, params(t, p), campaign(t))
	require.Equal(t, model.StatusSuccess, rec.Status)

	lines := strings.Split(out.String(), "\n")
	require.Contains(t, lines, "${LOG:MiddlewareBuild:ompi.status} = 0")
	require.Contains(t, lines, "${LOG:MiddlewareBuild:ompi.data.location} = /opt/ompi")
	require.Contains(t, lines, "${LOG:TestGet:broken.stdout} = []")
	require.Contains(t, lines, "${LOG:TestRun:ibm.data.testresults} = [ ... ]")
	require.Contains(t, lines, "${LOG:TestRun:ibm.data.testresults.1.name} = ring")
}
