package worker

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/loremonger/internal/media"
	"github.com/thebtf/loremonger/internal/pipeline"
	"github.com/thebtf/loremonger/internal/progress"
	"github.com/thebtf/loremonger/internal/worker/sse"
	"github.com/thebtf/loremonger/pkg/models"
)

func (s *Service) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.campaignStore.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": campaigns})
}

func (s *Service) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var c models.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if c.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	c.ID = ""
	created, err := s.campaignStore.Create(r.Context(), &c)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Service) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	players, err := s.campaignStore.Players(r.Context(), c.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign": c, "players": players})
}

func (s *Service) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	players, err := s.campaignStore.Players(r.Context(), c.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"players": players})
}

func (s *Service) handleAddPlayer(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	var body struct {
		PlayerName    string `json:"player_name"`
		CharacterName string `json:"character_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.PlayerName == "" {
		writeError(w, http.StatusBadRequest, "player_name is required")
		return
	}
	p, err := s.campaignStore.AddPlayer(r.Context(), c.ID, body.PlayerName, body.CharacterName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	sessions, err := s.sessionStore.ListByCampaign(r.Context(), c.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
		Date string `json:"date"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	date := time.Now()
	if body.Date != "" {
		d, err := time.ParseInLocation("2006-01-02", body.Date, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}
	sess, err := s.sessionStore.Create(r.Context(), c.ID, body.Name, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": sess,
		"state":   s.orchestrator.State(sess.ID),
		"running": s.orchestrator.Running(sess.ID),
	})
}

// handleProcess stages the multipart "files" and starts a background run.
// The session's run lock is taken before answering, so a second request
// gets 409 even if the first run has not started yet.
func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	token, err := s.orchestrator.Reserve(sess.ID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	started := false
	defer func() {
		if !started {
			s.orchestrator.Release(sess.ID, token)
		}
	}()

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with files")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "at least one file is required")
		return
	}

	dir := filepath.Join(s.uploadDir, "uploads", uuid.NewString())
	uploads, err := saveUploads(dir, headers)
	if err != nil {
		_ = os.RemoveAll(dir)
		log.Error().Err(err).Str("session", sess.ID).Msg("Failed to receive uploads")
		writeError(w, http.StatusInternalServerError, "failed to receive uploads")
		return
	}

	started = true
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer os.RemoveAll(dir)

		res, err := s.orchestrator.Run(s.ctx, pipeline.Request{
			SessionID:   sess.ID,
			Uploads:     uploads,
			Reservation: token,
		})
		if err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("Pipeline run failed")
			s.sseBroadcaster.Broadcast(sse.Event{Type: "run-failed", SessionID: sess.ID, Data: map[string]string{"error": err.Error()}})
			return
		}
		s.sseBroadcaster.Broadcast(sse.Event{Type: "run-complete", SessionID: sess.ID, Data: res})
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"session_id": sess.ID,
		"files":      len(uploads),
	})
}

func (s *Service) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries := s.orchestrator.Progress(id).Entries()
	if len(entries) == 0 {
		saved, err := progress.LoadJSON(s.orchestrator.ProgressPath(id))
		if err == nil {
			entries = saved
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"state":      s.orchestrator.State(id),
		"running":    s.orchestrator.Running(id),
		"entries":    entries,
	})
}

func (s *Service) handleInvalidateCredentials(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	s.credentials.Invalidate(body.Keys...)
	log.Info().Strs("keys", body.Keys).Msg("Credentials invalidated")
	writeJSON(w, http.StatusOK, map[string]interface{}{"invalidated": body.Keys})
}

func (s *Service) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	c, err := s.campaignStore.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return nil, false
	}
	return c, true
}

func (s *Service) loadSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	sess, err := s.sessionStore.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// saveUploads copies the request files into dir, keeping their order.
func saveUploads(dir string, headers []*multipart.FileHeader) ([]media.Upload, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	uploads := make([]media.Upload, 0, len(headers))
	for i, fh := range headers {
		dst := filepath.Join(dir, fmt.Sprintf("%02d_%s", i, filepath.Base(fh.Filename)))
		if err := copyPart(fh, dst); err != nil {
			return nil, fmt.Errorf("save %s: %w", fh.Filename, err)
		}
		uploads = append(uploads, media.FileUpload{Path: dst})
	}
	return uploads, nil
}

func copyPart(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// campaignPatch holds the editable campaign fields; absent fields keep their value.
type campaignPatch struct {
	Name               *string `json:"name"`
	DMName             *string `json:"dm_name"`
	Description        *string `json:"description"`
	OutputDirectory    *string `json:"output_directory"`
	NamingConvention   *string `json:"naming_convention"`
	CustomSystemPrompt *string `json:"custom_system_prompt"`
	SpeakerCount       *int    `json:"speaker_count"`
}

func (p campaignPatch) apply(c *models.Campaign) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&c.Name, p.Name)
	set(&c.DMName, p.DMName)
	set(&c.Description, p.Description)
	set(&c.OutputDirectory, p.OutputDirectory)
	set(&c.NamingConvention, p.NamingConvention)
	set(&c.CustomSystemPrompt, p.CustomSystemPrompt)
	if p.SpeakerCount != nil {
		c.SpeakerCount = *p.SpeakerCount
	}
}

func (s *Service) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	var patch campaignPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	patch.apply(c)
	if strings.TrimSpace(c.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if c.SpeakerCount < 0 {
		writeError(w, http.StatusBadRequest, "speaker_count must not be negative")
		return
	}
	if err := s.campaignStore.Update(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	updated, err := s.campaignStore.Get(r.Context(), c.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteCampaign removes a campaign with its roster, sessions and
// session artifacts. Notes already written to the output directory are kept.
// Every session is reserved first so no run can start mid-delete.
func (s *Service) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	sessions, err := s.sessionStore.ListByCampaign(r.Context(), c.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, sess := range sessions {
		token, err := s.orchestrator.Reserve(sess.ID)
		if err != nil {
			writeError(w, http.StatusConflict, fmt.Sprintf("session %d is being processed", sess.Number))
			return
		}
		defer s.orchestrator.Release(sess.ID, token)
	}
	if err := s.campaignStore.Delete(r.Context(), c.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, sess := range sessions {
		s.removeSessionDir(sess.ID)
	}
	log.Info().Str("campaign", c.ID).Int("sessions", len(sessions)).Msg("Campaign deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUpdatePlayer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPlayer(w, r)
	if !ok {
		return
	}
	var body struct {
		PlayerName    *string `json:"player_name"`
		CharacterName *string `json:"character_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.PlayerName != nil {
		p.PlayerName = *body.PlayerName
	}
	if body.CharacterName != nil {
		p.CharacterName = *body.CharacterName
	}
	if strings.TrimSpace(p.PlayerName) == "" {
		writeError(w, http.StatusBadRequest, "player_name is required")
		return
	}
	if err := s.campaignStore.RenamePlayer(r.Context(), p.ID, p.PlayerName, p.CharacterName); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleRemovePlayer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPlayer(w, r)
	if !ok {
		return
	}
	if err := s.campaignStore.RemovePlayer(r.Context(), p.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.sessionStore.Rename(r.Context(), sess.ID, body.Name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	updated, err := s.sessionStore.Get(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteSession removes the session record and its artifact directory.
func (s *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	token, err := s.orchestrator.Reserve(sess.ID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer s.orchestrator.Release(sess.ID, token)
	if err := s.sessionStore.Delete(r.Context(), sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.removeSessionDir(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) removeSessionDir(sessionID string) {
	dir := s.sessionDir(sessionID)
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to remove session directory")
	}
}

// loadPlayer resolves {playerID} within the roster of campaign {id}.
func (s *Service) loadPlayer(w http.ResponseWriter, r *http.Request) (*models.Player, bool) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return nil, false
	}
	players, err := s.campaignStore.Players(r.Context(), c.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	id := chi.URLParam(r, "playerID")
	for i := range players {
		if players[i].ID == id {
			return &players[i], true
		}
	}
	writeError(w, http.StatusNotFound, "player not found")
	return nil, false
}
