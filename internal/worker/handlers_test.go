package worker

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/loremonger/internal/config"
	"github.com/thebtf/loremonger/internal/credentials"
	gormdb "github.com/thebtf/loremonger/internal/db/gorm"
	"github.com/thebtf/loremonger/internal/media"
	"github.com/thebtf/loremonger/internal/notes"
	"github.com/thebtf/loremonger/internal/pipeline"
	"github.com/thebtf/loremonger/internal/secrets"
	"github.com/thebtf/loremonger/internal/transcription"
)

// stubPreparer concatenates the uploads into the session audio file.
type stubPreparer struct {
	dir   string
	mu    sync.Mutex
	names []string
	block chan struct{}
}

func (p *stubPreparer) Prepare(_ context.Context, sessionID string, uploads []media.Upload) (*media.Prepared, error) {
	if p.block != nil {
		<-p.block
	}
	var buf bytes.Buffer
	p.mu.Lock()
	for _, u := range uploads {
		p.names = append(p.names, u.Name())
		rc, err := u.Open()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		_, _ = io.Copy(&buf, rc)
		rc.Close()
	}
	p.mu.Unlock()
	path := filepath.Join(p.dir, sessionID+".mp3")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return nil, err
	}
	return &media.Prepared{Path: path, Duration: 90}, nil
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(_ context.Context, audio []byte, _ transcription.Options) (string, error) {
	return "the party met in a tavern " + string(audio), nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, req notes.Request) (string, bool) {
	return "# Notes\n" + req.Transcript, true
}

type staticStore map[string]string

func (s staticStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s[key]
	if !ok {
		return nil, secrets.ErrNotFound
	}
	return []byte(v), nil
}

func (s staticStore) Insert(context.Context, string, []byte) error { return secrets.ErrReadOnly }

type testEnv struct {
	svc      *Service
	preparer *stubPreparer
	creds      *credentials.Cache
	outDir     string
	sessionDir func(string) string
}

// testService creates a Service over a temporary database and a pipeline
// with stubbed media, transcription and note stages.
func testService(t *testing.T) (*testEnv, func()) {
	t.Helper()
	dir := t.TempDir()

	store, err := gormdb.NewStore(gormdb.Config{
		Path:     filepath.Join(dir, "test.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)

	campaigns := gormdb.NewCampaignStore(store)
	sessions := gormdb.NewSessionStore(store)
	preparer := &stubPreparer{dir: dir}

	sessionDir := func(id string) string { return filepath.Join(dir, "sessions", id) }
	orch := pipeline.New(pipeline.Config{
		SessionDir:    sessionDir,
		EstimateModel: "gpt-4o",
	}, pipeline.Deps{
		Sessions:    sessions,
		Campaigns:   campaigns,
		Preparer:    preparer,
		Transcriber: stubTranscriber{},
		Generator:   stubGenerator{},
	})

	cfg := config.Default()
	cfg.ScratchDir = filepath.Join(dir, "scratch")
	creds := credentials.NewCache(staticStore{secrets.KeyOpenAI: "sk-test"})

	svc := NewService("test-version", cfg, Deps{
		Store:        store,
		Campaigns:    campaigns,
		Sessions:     sessions,
		Orchestrator: orch,
		Credentials:  creds,
		SessionDir:   sessionDir,
	})
	svc.ready.Store(true)

	cleanup := func() {
		_ = svc.Shutdown(context.Background())
		store.Close()
	}
	return &testEnv{svc: svc, preparer: preparer, creds: creds, outDir: filepath.Join(dir, "notes"), sessionDir: sessionDir}, cleanup
}

func doJSON(t *testing.T, svc *Service, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func multipartBody(t *testing.T, files map[string]string, order []string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range order {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

// createCampaignAndSession creates a campaign writing to outDir and one session.
func createCampaignAndSession(t *testing.T, env *testEnv) (string, string) {
	t.Helper()
	rec := doJSON(t, env.svc, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"name":             "Curse of Strahd",
		"dm_name":          "Ava",
		"output_directory": env.outDir,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	campaignID := decode(t, rec)["id"].(string)

	rec = doJSON(t, env.svc, http.MethodPost, "/api/campaigns/"+campaignID+"/sessions", map[string]string{
		"name": "Death House",
		"date": "2026-10-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return campaignID, decode(t, rec)["id"].(string)
}

func TestCampaignLifecycle(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	campaignID, sessionID := createCampaignAndSession(t, env)

	rec := doJSON(t, env.svc, http.MethodPost, "/api/campaigns/"+campaignID+"/players", map[string]string{
		"player_name":    "Ben",
		"character_name": "Ireena",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, env.svc, http.MethodGet, "/api/campaigns/"+campaignID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["players"], 1)
	assert.Equal(t, "Curse of Strahd", body["campaign"].(map[string]interface{})["name"])

	rec = doJSON(t, env.svc, http.MethodGet, "/api/campaigns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["campaigns"], 1)

	rec = doJSON(t, env.svc, http.MethodGet, "/api/campaigns/"+campaignID+"/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode(t, rec)["sessions"].([]interface{})
	require.Len(t, sessions, 1)
	assert.Equal(t, sessionID, sessions[0].(map[string]interface{})["id"])
	assert.EqualValues(t, 1, sessions[0].(map[string]interface{})["number"])
}

func TestCreateCampaign_Validation(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, env.svc, http.MethodPost, "/api/campaigns", map[string]string{"dm_name": "Ava"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/campaigns", strings.NewReader("{nope"))
	rec = httptest.NewRecorder()
	env.svc.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotFound(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	assert.Equal(t, http.StatusNotFound, doJSON(t, env.svc, http.MethodGet, "/api/campaigns/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, env.svc, http.MethodGet, "/api/sessions/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, env.svc, http.MethodPost, "/api/campaigns/missing/sessions", nil).Code)
}

func TestProcess_RunsPipeline(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	_, sessionID := createCampaignAndSession(t, env)

	body, contentType := multipartBody(t, map[string]string{
		"part1.mp3": "AAA",
		"part2.mp3": "BBB",
	}, []string{"part1.mp3", "part2.mp3"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sessionID+"/process", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.svc.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode(t, rec)["files"])

	var sess map[string]interface{}
	require.Eventually(t, func() bool {
		rec := doJSON(t, env.svc, http.MethodGet, "/api/sessions/"+sessionID, nil)
		sess = decode(t, rec)["session"].(map[string]interface{})
		return sess["file_path"] != nil
	}, 5*time.Second, 20*time.Millisecond)

	notesPath := sess["file_path"].(string)
	assert.True(t, strings.HasPrefix(notesPath, env.outDir))
	data, err := os.ReadFile(notesPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "the party met in a tavern AAABBB")
	assert.EqualValues(t, 90, sess["duration"])

	env.preparer.mu.Lock()
	assert.Equal(t, []string{"00_part1.mp3", "01_part2.mp3"}, env.preparer.names)
	env.preparer.mu.Unlock()

	rec = doJSON(t, env.svc, http.MethodGet, "/api/sessions/"+sessionID+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decode(t, rec)
	assert.Equal(t, string(pipeline.StateDone), progress["state"])
	entries := progress["entries"].([]interface{})
	require.NotEmpty(t, entries)
	assert.Equal(t, "done", entries[len(entries)-1].(map[string]interface{})["tag"])
}

func TestProcess_RejectsConcurrentRun(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	_, sessionID := createCampaignAndSession(t, env)
	env.preparer.block = make(chan struct{})

	post := func() *httptest.ResponseRecorder {
		body, contentType := multipartBody(t, map[string]string{"a.mp3": "A"}, []string{"a.mp3"})
		req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sessionID+"/process", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		env.svc.router.ServeHTTP(rec, req)
		return rec
	}

	first := post()
	second := post()
	close(env.preparer.block)

	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestUpdateCampaign(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	campaignID, _ := createCampaignAndSession(t, env)

	rec := doJSON(t, env.svc, http.MethodPatch, "/api/campaigns/"+campaignID, map[string]interface{}{
		"dm_name":       "Ava R.",
		"speaker_count": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "Curse of Strahd", body["name"])
	assert.Equal(t, "Ava R.", body["dm_name"])
	assert.EqualValues(t, 5, body["speaker_count"])
	assert.Equal(t, env.outDir, body["output_directory"])

	rec = doJSON(t, env.svc, http.MethodPatch, "/api/campaigns/"+campaignID, map[string]string{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, env.svc, http.MethodPatch, "/api/campaigns/missing", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlayerRoutes(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	campaignID, _ := createCampaignAndSession(t, env)
	rec := doJSON(t, env.svc, http.MethodPost, "/api/campaigns/"+campaignID+"/players", map[string]string{
		"player_name":    "Ben",
		"character_name": "Ireena",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	playerID := decode(t, rec)["id"].(string)
	playerPath := "/api/campaigns/" + campaignID + "/players/" + playerID

	rec = doJSON(t, env.svc, http.MethodPatch, playerPath, map[string]string{"character_name": "Rahadin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Ben", decode(t, rec)["player_name"])

	rec = doJSON(t, env.svc, http.MethodGet, "/api/campaigns/"+campaignID+"/players", nil)
	players := decode(t, rec)["players"].([]interface{})
	require.Len(t, players, 1)
	assert.Equal(t, "Rahadin", players[0].(map[string]interface{})["character_name"])

	rec = doJSON(t, env.svc, http.MethodPatch, playerPath, map[string]string{"player_name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A player is only reachable through its own campaign.
	rec = doJSON(t, env.svc, http.MethodPost, "/api/campaigns", map[string]string{"name": "Other"})
	require.Equal(t, http.StatusCreated, rec.Code)
	otherID := decode(t, rec)["id"].(string)
	rec = doJSON(t, env.svc, http.MethodDelete, "/api/campaigns/"+otherID+"/players/"+playerID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, env.svc, http.MethodDelete, playerPath, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, env.svc, http.MethodGet, "/api/campaigns/"+campaignID+"/players", nil)
	assert.Empty(t, decode(t, rec)["players"])
	assert.Equal(t, http.StatusNotFound, doJSON(t, env.svc, http.MethodDelete, playerPath, nil).Code)
}

func TestRenameSession(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	_, sessionID := createCampaignAndSession(t, env)

	rec := doJSON(t, env.svc, http.MethodPatch, "/api/sessions/"+sessionID, map[string]string{"name": "The Amber Temple"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "The Amber Temple", body["name"])
	assert.EqualValues(t, 1, body["number"])

	rec = doJSON(t, env.svc, http.MethodPatch, "/api/sessions/missing", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSession_RemovesArtifacts(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	_, sessionID := createCampaignAndSession(t, env)
	dir := env.sessionDir(sessionID)
	require.NoError(t, os.MkdirAll(dir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "transcript.txt"), []byte("hello"), 0600))

	rec := doJSON(t, env.svc, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	assert.NoDirExists(t, dir)
	assert.Equal(t, http.StatusNotFound, doJSON(t, env.svc, http.MethodGet, "/api/sessions/"+sessionID, nil).Code)
}

func TestDelete_RejectedWhileProcessing(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	campaignID, sessionID := createCampaignAndSession(t, env)
	env.preparer.block = make(chan struct{})

	body, contentType := multipartBody(t, map[string]string{"a.mp3": "A"}, []string{"a.mp3"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sessionID+"/process", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.svc.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, http.StatusConflict, doJSON(t, env.svc, http.MethodDelete, "/api/sessions/"+sessionID, nil).Code)
	assert.Equal(t, http.StatusConflict, doJSON(t, env.svc, http.MethodDelete, "/api/campaigns/"+campaignID, nil).Code)
	close(env.preparer.block)

	require.Eventually(t, func() bool {
		return !env.svc.orchestrator.Running(sessionID)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, http.StatusOK, doJSON(t, env.svc, http.MethodGet, "/api/sessions/"+sessionID, nil).Code)
}

func TestDeleteCampaign_Cascades(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	campaignID, sessionID := createCampaignAndSession(t, env)
	rec := doJSON(t, env.svc, http.MethodPost, "/api/campaigns/"+campaignID+"/players", map[string]string{"player_name": "Ben"})
	require.Equal(t, http.StatusCreated, rec.Code)
	dir := env.sessionDir(sessionID)
	require.NoError(t, os.MkdirAll(dir, 0750))

	rec = doJSON(t, env.svc, http.MethodDelete, "/api/campaigns/"+campaignID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	assert.NoDirExists(t, dir)
	assert.Equal(t, http.StatusNotFound, doJSON(t, env.svc, http.MethodGet, "/api/campaigns/"+campaignID, nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, env.svc, http.MethodGet, "/api/sessions/"+sessionID, nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, env.svc, http.MethodDelete, "/api/campaigns/"+campaignID, nil).Code)

	// The run lock taken during the delete is released again.
	assert.False(t, env.svc.orchestrator.Running(sessionID))
}

func TestProcess_RequiresFiles(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	_, sessionID := createCampaignAndSession(t, env)

	body, contentType := multipartBody(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sessionID+"/process", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.svc.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, env.svc, http.MethodPost, "/api/sessions/"+sessionID+"/process", map[string]string{"x": "y"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidateCredentials(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	ctx := context.Background()
	_, err := env.creds.Get(ctx, secrets.KeyOpenAI)
	require.NoError(t, err)
	_, err = env.creds.Get(ctx, secrets.KeyOpenAI)
	require.NoError(t, err)
	assert.EqualValues(t, 1, env.creds.Fetches())

	rec := doJSON(t, env.svc, http.MethodPost, "/api/credentials/invalidate", map[string][]string{"keys": {secrets.KeyOpenAI}})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = env.creds.Get(ctx, secrets.KeyOpenAI)
	require.NoError(t, err)
	assert.EqualValues(t, 2, env.creds.Fetches())

	req := httptest.NewRequest(http.MethodPost, "/api/credentials/invalidate", nil)
	rec = httptest.NewRecorder()
	env.svc.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth_ReturnsVersion(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, env.svc, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "test-version", body["version"])
	assert.Equal(t, "ok", body["database"])
}

func TestHandleVersion(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	env.svc.version = "v2.0.0-beta"
	rec := doJSON(t, env.svc, http.MethodGet, "/api/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v2.0.0-beta", decode(t, rec)["version"])
}

func TestRequireReadyMiddleware(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	env.svc.ready.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, env.svc, http.MethodGet, "/api/campaigns", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, env.svc, http.MethodGet, "/api/ready", nil).Code)

	env.svc.ready.Store(true)
	assert.Equal(t, http.StatusOK, doJSON(t, env.svc, http.MethodGet, "/api/campaigns", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, env.svc, http.MethodGet, "/api/ready", nil).Code)
}

func TestProgressIsBroadcast(t *testing.T) {
	env, cleanup := testService(t)
	defer cleanup()

	_, sessionID := createCampaignAndSession(t, env)

	w := &recordingWriter{header: make(http.Header)}
	client, err := env.svc.sseBroadcaster.AddClient(w, sessionID)
	require.NoError(t, err)
	defer env.svc.sseBroadcaster.RemoveClient(client)

	body, contentType := multipartBody(t, map[string]string{"a.mp3": "A"}, []string{"a.mp3"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sessionID+"/process", body)
	req.Header.Set("Content-Type", contentType)
	env.svc.router.ServeHTTP(httptest.NewRecorder(), req)

	require.Eventually(t, func() bool {
		return strings.Contains(w.String(), "event: run-complete")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, w.String(), "event: progress")
	assert.Contains(t, w.String(), `"tag":"transcribe"`)
}

type recordingWriter struct {
	header http.Header
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (r *recordingWriter) Header() http.Header { return r.header }

func (r *recordingWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *recordingWriter) WriteHeader(int) {}

func (r *recordingWriter) Flush() {}

func (r *recordingWriter) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}
