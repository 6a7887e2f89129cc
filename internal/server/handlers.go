package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/internal/session"
	"github.com/tony-jang/ai-review/pkg/models"
)

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.List()})
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RepoPath              string                        `json:"repo_path"`
		Base                  string                        `json:"base"`
		Head                  string                        `json:"head"`
		PresetIDs             []string                      `json:"preset_ids"`
		ImplementationContext *models.ImplementationContext `json:"implementation_context"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.manager.Create(r.Context(), session.CreateRequest{
		RepoPath:              body.RepoPath,
		Base:                  body.Base,
		Head:                  body.Head,
		PresetIDs:             body.PresetIDs,
		ImplementationContext: body.ImplementationContext,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": sess.ID})
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Start(r.Context(), chi.URLParam(r, "sid")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started"})
}

func (s *Service) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Activate(chi.URLParam(r, "sid")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "activated"})
}

func (s *Service) handleFinish(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Has("force")
	unresolved, err := s.manager.Finish(chi.URLParam(r, "sid"), force)
	if err != nil {
		if fault.Is(err, fault.Conflict) {
			ids := make([]map[string]any, 0, len(unresolved))
			for _, issue := range unresolved {
				ids = append(ids, map[string]any{
					"id":       issue.ID,
					"title":    issue.Title,
					"severity": issue.Severity,
					"file":     issue.File,
				})
			}
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":             err.Error(),
				"kind":              fault.Conflict,
				"unresolved_issues": ids,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "complete"})
}

func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Process(chi.URLParam(r, "sid")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "processed"})
}

func (s *Service) handleFixComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Commit      string   `json:"commit"`
		IssueIDs    []string `json:"issue_ids"`
		SubmittedBy string   `json:"submitted_by"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.manager.FixComplete(r.Context(), chi.URLParam(r, "sid"), body.Commit, body.IssueIDs, body.SubmittedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(chi.URLParam(r, "sid")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Service) handleIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.manager.Issues(chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func (s *Service) handleManualIssue(w http.ResponseWriter, r *http.Request) {
	var raw models.RawIssue
	if err := decode(r, &raw); err != nil {
		writeError(w, err)
		return
	}
	issue, err := s.manager.SubmitReport(chi.URLParam(r, "sid"), "human", raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issue)
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	index, err := s.manager.Index(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, index)
}

func (s *Service) handleDelta(w http.ResponseWriter, r *http.Request) {
	delta, err := s.manager.DeltaContext(chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

func (s *Service) handlePending(w http.ResponseWriter, r *http.Request) {
	modelID := r.URL.Query().Get("model_id")
	if modelID == "" {
		writeError(w, fault.New(fault.Validation, "model_id query parameter is required"))
		return
	}
	pending, err := s.manager.PendingIssues(chi.URLParam(r, "sid"), modelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Service) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.Report(chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Service) handleReportMarkdown(w http.ResponseWriter, r *http.Request) {
	md, err := s.manager.PRMarkdown(chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(md))
}

func (s *Service) handleDiff(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	diff, err := s.manager.Diff(r.Context(), chi.URLParam(r, "sid"), path)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(diff))
}

func (s *Service) handleFileRange(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	start, _ := strconv.Atoi(r.URL.Query().Get("start"))
	end, _ := strconv.Atoi(r.URL.Query().Get("end"))
	lines, err := s.manager.FileRange(r.Context(), chi.URLParam(r, "sid"), path, start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":  path,
		"lines": lines,
	})
}

func (s *Service) handleImplementationContext(w http.ResponseWriter, r *http.Request) {
	var ic models.ImplementationContext
	if err := decode(r, &ic); err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.SubmitImplementationContext(chi.URLParam(r, "sid"), ic); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

// handleAgentReport is the reviewer-facing report call: one issue per call,
// authenticated by the agent key.
func (s *Service) handleAgentReport(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	var body struct {
		ModelID string `json:"model_id"`
		models.RawIssue
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.Authorize(sid, body.ModelID, agentKey(r)); err != nil {
		writeError(w, err)
		return
	}
	issue, err := s.manager.SubmitReport(sid, body.ModelID, body.RawIssue)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":   "accepted",
		"issue_id": issue.ID,
	})
}

func (s *Service) handleAgentSummary(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	var body struct {
		ModelID string `json:"model_id"`
		Summary string `json:"summary"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.Authorize(sid, body.ModelID, agentKey(r)); err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.SubmitSummary(sid, body.ModelID, body.Summary); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

func (s *Service) handleAgentActivity(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	var body struct {
		ModelID string `json:"model_id"`
		Action  string `json:"action"`
		Target  string `json:"target"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.Authorize(sid, body.ModelID, agentKey(r)); err != nil {
		writeError(w, err)
		return
	}
	recorded := s.manager.RecordActivity(sid, body.ModelID, body.Action, body.Target)
	writeJSON(w, http.StatusOK, map[string]any{"recorded": recorded})
}

func (s *Service) handleAssistKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.manager.HumanAssistKey(chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assist_key": key})
}

func (s *Service) handleListAgents(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": status["agents"]})
}

func (s *Service) handleAddAgent(w http.ResponseWriter, r *http.Request) {
	var agent models.AgentConfig
	if err := decode(r, &agent); err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.AddAgent(chi.URLParam(r, "sid"), agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Service) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var update models.AgentConfig
	if err := decode(r, &update); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.manager.UpdateAgent(chi.URLParam(r, "sid"), chi.URLParam(r, "mid"), update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Service) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemoveAgent(chi.URLParam(r, "sid"), chi.URLParam(r, "mid")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func (s *Service) handleAgentRuntime(w http.ResponseWriter, r *http.Request) {
	runtime, err := s.manager.AgentRuntime(chi.URLParam(r, "sid"), chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runtime)
}

func (s *Service) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopAgent(chi.URLParam(r, "sid"), chi.URLParam(r, "mid")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopping"})
}

func (s *Service) handleIssue(w http.ResponseWriter, r *http.Request) {
	sid, iid, err := s.resolveIssueSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	issue, err := s.manager.Issue(sid, iid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Service) handleOpinion(w http.ResponseWriter, r *http.Request) {
	sid, iid, err := s.resolveIssueSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ModelID           string   `json:"model_id"`
		Action            string   `json:"action"`
		Reasoning         string   `json:"reasoning"`
		SuggestedSeverity string   `json:"suggested_severity"`
		Confidence        *float64 `json:"confidence"`
		Mentions          []string `json:"mentions"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	// Human opinions ride the assist token; agent opinions their own key.
	if body.ModelID == "human" || body.ModelID == "human-assist" {
		if err := s.manager.AuthorizeAssist(sid, agentKey(r)); err != nil {
			writeError(w, err)
			return
		}
	} else if err := s.manager.Authorize(sid, body.ModelID, agentKey(r)); err != nil {
		writeError(w, err)
		return
	}

	issue, err := s.manager.SubmitOpinion(sid, session.OpinionRequest{
		IssueID:           iid,
		ModelID:           body.ModelID,
		Action:            body.Action,
		Reasoning:         body.Reasoning,
		SuggestedSeverity: body.SuggestedSeverity,
		Confidence:        body.Confidence,
		Mentions:          body.Mentions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "accepted",
		"thread_length": len(issue.Thread),
		"turn":          issue.Turn,
	})
}

func (s *Service) handleRespond(w http.ResponseWriter, r *http.Request) {
	sid, iid, err := s.resolveIssueSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Action    string `json:"action"`
		Reasoning string `json:"reasoning"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	submittedBy := "author"
	if key := agentKey(r); key != "" {
		modelID, err := s.manager.ResolveModelID(sid, key)
		if err != nil {
			writeError(w, err)
			return
		}
		submittedBy = modelID
	}
	if err := s.manager.Respond(sid, iid, body.Action, body.Reasoning, submittedBy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "action": body.Action})
}

func (s *Service) handleIssueStatus(w http.ResponseWriter, r *http.Request) {
	sid, iid, err := s.resolveIssueSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Status    string `json:"status"`
		Reasoning string `json:"reasoning"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	by := "author"
	if key := agentKey(r); key != "" {
		if modelID, err := s.manager.ResolveModelID(sid, key); err == nil {
			by = modelID
		}
	}
	if err := s.manager.SetStatus(sid, iid, body.Status, body.Reasoning, by); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

func (s *Service) handleDismiss(w http.ResponseWriter, r *http.Request) {
	sid, iid, err := s.resolveIssueSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Reasoning string `json:"reasoning"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.Dismiss(sid, iid, body.Reasoning, "operator"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "dismissed"})
}

func (s *Service) handleAssist(w http.ResponseWriter, r *http.Request) {
	sid, iid, err := s.resolveIssueSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// Either the assist token or any agent key opens the helper chat.
	if err := s.manager.AuthorizeAssist(sid, agentKey(r)); err != nil {
		if _, rerr := s.manager.ResolveModelID(sid, agentKey(r)); rerr != nil {
			writeError(w, err)
			return
		}
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.assist.Chat(r.Context(), sid, iid, body.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleAssistOpinion(w http.ResponseWriter, r *http.Request) {
	sid, iid, err := s.resolveIssueSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.AuthorizeAssist(sid, agentKey(r)); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	issue, err := s.assist.SubmitOpinion(r.Context(), sid, iid, body.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "accepted",
		"thread_length": len(issue.Thread),
	})
}

func (s *Service) handleListPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"presets": s.manager.ListPresets()})
}

func (s *Service) handleAddPreset(w http.ResponseWriter, r *http.Request) {
	var preset models.AgentConfig
	if err := decode(r, &preset); err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.AddPreset(preset); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, preset)
}

func (s *Service) handleUpdatePreset(w http.ResponseWriter, r *http.Request) {
	var update models.AgentConfig
	if err := decode(r, &update); err != nil {
		writeError(w, err)
		return
	}
	preset, err := s.manager.UpdatePreset(chi.URLParam(r, "pid"), update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preset)
}

func (s *Service) handleRemovePreset(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemovePreset(chi.URLParam(r, "pid")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

// handleConnectionTest streams NDJSON probe events.
func (s *Service) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientKind string `json:"client_kind"`
		Model      string `json:"model"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	kind := models.ClientKind(strings.TrimSpace(body.ClientKind))
	flusher, err := flushWriter(w)
	if err != nil {
		writeError(w, fault.Wrap(fault.Internal, err, "connection test"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := newNDJSONEncoder(w, flusher)
	for event := range s.tester.Run(r.Context(), kind, body.Model) {
		enc.write(event)
	}
}

func (s *Service) handleConnectionTestCallback(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !s.tester.Callback(token) {
		writeError(w, fault.New(fault.Auth, "unknown or expired connection-test token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
