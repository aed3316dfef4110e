package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"localgitd/internal/apierr"
	"localgitd/internal/approval"
	"localgitd/internal/depsinstall"
	"localgitd/internal/gitops"
	"localgitd/internal/jobs"
	"localgitd/internal/sandbox"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// handleMeta answers GET /v1/meta with no auth required: version, pairing
// status for the caller's origin, and workspace configuration state.
func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	_, paired := s.tokens.GetActive(origin)

	writeJSON(w, http.StatusOK, map[string]any{
		"version": "1.0.0",
		"build":   runtime.Version(),
		"pairing": map[string]any{"paired": paired},
		"workspace": map[string]any{
			"configured": s.cfg.WorkspaceRoot != "",
			"root":       s.cfg.WorkspaceRoot,
		},
		"capabilities": []string{"git.clone", "git.fetch", "git.status", "os.open", "deps.install"},
	})
}

type pairRequest struct {
	Step string `json:"step"`
	Code string `json:"code"`
}

// handlePair answers POST /v1/pair for both step=start and step=confirm;
// it is exempt from bearer auth but rate-limited separately.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	var req pairRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.Internal(http.StatusUnprocessableEntity, "malformed request body"))
		return
	}

	switch req.Step {
	case "start":
		code, expires, err := s.pairing.Start(origin)
		if err != nil {
			apierr.WriteJSON(w, apierr.Internal(http.StatusInternalServerError, err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"code":         code,
			"expiresAt":    expires,
			"instructions": "enter this code in the daemon's pairing prompt",
		})

	case "confirm":
		if len(req.Code) < 1 {
			apierr.WriteJSON(w, apierr.Internal(http.StatusUnprocessableEntity, "code is required"))
			return
		}
		if err := s.pairing.Confirm(origin, req.Code); err != nil {
			apierr.WriteJSON(w, apierr.Internal(http.StatusUnprocessableEntity, "invalid or expired pairing code"))
			return
		}
		token, expires, err := s.tokens.IssueToken(origin, s.cfg.PairingTokenTTLDays)
		if err != nil {
			apierr.WriteJSON(w, apierr.Internal(http.StatusInternalServerError, err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken": token,
			"tokenType":   "Bearer",
			"expiresAt":   expires,
		})

	default:
		apierr.WriteJSON(w, apierr.Internal(http.StatusUnprocessableEntity, "step must be start or confirm"))
	}
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.jobsMgr.Get(id)
	if !ok {
		apierr.WriteJSON(w, apierr.ErrJobNotFound())
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.jobsMgr.Get(id); !ok {
		apierr.WriteJSON(w, apierr.ErrJobNotFound())
		return
	}
	if !s.jobsMgr.Cancel(id) {
		apierr.WriteJSON(w, apierr.Internal(http.StatusConflict, "job is already terminal"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleJobStream implements the SSE replay-then-follow contract: replay
// the ring, then forward live events until a terminal state event or
// client disconnect.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.jobsMgr.Get(id)
	if !ok {
		apierr.WriteJSON(w, apierr.ErrJobNotFound())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteJSON(w, apierr.Internal(http.StatusInternalServerError, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	replay, live, unsubscribe := job.Subscribe()
	defer unsubscribe()

	for _, e := range replay {
		if !sendSSEEvent(w, flusher, e) {
			return
		}
		if e.Kind == jobs.EventState && e.State.Terminal() {
			return
		}
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if !sendSSEHeartbeat(w, flusher) {
				return
			}
		case e, ok := <-live:
			if !ok {
				return
			}
			if !sendSSEEvent(w, flusher, e) {
				return
			}
			if e.Kind == jobs.EventState && e.State.Terminal() {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, e jobs.Event) bool {
	b, err := json.Marshal(e)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, b); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func sendSSEHeartbeat(w http.ResponseWriter, flusher http.Flusher) bool {
	if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

type cloneRequest struct {
	RepoURL      string `json:"repoUrl"`
	DestRelative string `json:"destRelative"`
	Options      struct {
		Branch string `json:"branch"`
		Depth  int    `json:"depth"`
	} `json:"options"`
}

func (s *Server) handleGitClone(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.Internal(http.StatusUnprocessableEntity, "malformed request body"))
		return
	}
	if !gitops.ValidRepoURL(req.RepoURL) {
		apierr.WriteJSON(w, apierr.ErrInvalidRepoURL())
		return
	}
	if err := sandbox.EnsureRelative(req.DestRelative); err != nil {
		apierr.WriteJSON(w, apierr.ErrPathOutsideWorkspace("destRelative must be relative and inside the workspace"))
		return
	}

	absDest, err := sandbox.ResolveInsideWorkspace(s.cfg.WorkspaceRoot, req.DestRelative, true)
	if err := s.mapSandboxErr(w, err); err != nil {
		return
	}

	if _, statErr := fileStat(absDest); statErr == nil {
		apierr.WriteJSON(w, apierr.Internal(http.StatusConflict, "destination already exists"))
		return
	}
	if err := ensureParentDir(absDest); err != nil {
		apierr.WriteJSON(w, apierr.Internal(http.StatusInternalServerError, err.Error()))
		return
	}

	opts := gitops.CloneOptions{Branch: req.Options.Branch, Depth: req.Options.Depth}
	job := s.jobsMgr.Enqueue(gitops.CloneRunner(req.RepoURL, absDest, opts, s.cfg.WorkspaceRoot))
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

type fetchRequest struct {
	RepoPath string `json:"repoPath"`
	Remote   string `json:"remote"`
	Prune    bool   `json:"prune"`
}

func (s *Server) handleGitFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.Internal(http.StatusUnprocessableEntity, "malformed request body"))
		return
	}
	absRepo, apiErr := s.resolveRepoPath(req.RepoPath)
	if apiErr != nil {
		apierr.WriteJSON(w, apiErr)
		return
	}
	job := s.jobsMgr.Enqueue(gitops.FetchRunner(absRepo, req.Remote, req.Prune))
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	repoPath := r.URL.Query().Get("repoPath")
	absRepo, apiErr := s.resolveRepoPath(repoPath)
	if apiErr != nil {
		apierr.WriteJSON(w, apiErr)
		return
	}

	cmd := exec.CommandContext(r.Context(), "git", gitops.StatusArgs(absRepo)...)
	out, err := cmd.Output()
	if err != nil {
		apierr.WriteJSON(w, apierr.Internal(http.StatusInternalServerError, "git status failed"))
		return
	}
	writeJSON(w, http.StatusOK, gitops.ParseStatus(string(out)))
}

type osOpenRequest struct {
	Target string `json:"target"`
	Path   string `json:"path"`
}

func (s *Server) handleOSOpen(w http.ResponseWriter, r *http.Request) {
	var req osOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.Internal(http.StatusUnprocessableEntity, "malformed request body"))
		return
	}

	absPath, err := sandbox.ResolveInsideWorkspace(s.cfg.WorkspaceRoot, req.Path, false)
	if apiErr := s.mapSandboxErrVal(err); apiErr != nil {
		apierr.WriteJSON(w, apiErr)
		return
	}

	origin := r.Header.Get("Origin")
	if req.Target == "terminal" || req.Target == "vscode" {
		capability := approval.CapOpenTerminal
		if req.Target == "vscode" {
			capability = approval.CapOpenVSCode
		}
		granted, err := s.approval.EnsureApproval(origin, absPath, capability, s.cfg.WorkspaceRoot)
		if err != nil {
			apierr.WriteJSON(w, apierr.Internal(http.StatusInternalServerError, err.Error()))
			return
		}
		if !granted {
			apierr.WriteJSON(w, apierr.ErrCapabilityNotGranted())
			return
		}
	}

	if err := openTarget(req.Target, absPath); err != nil {
		apierr.WriteJSON(w, apierr.Internal(http.StatusInternalServerError, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type depsInstallRequest struct {
	RepoPath string `json:"repoPath"`
	Manager  string `json:"manager"`
	Mode     string `json:"mode"`
	Safer    *bool  `json:"safer"`
}

func (s *Server) handleDepsInstall(w http.ResponseWriter, r *http.Request) {
	var req depsInstallRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.Internal(http.StatusUnprocessableEntity, "malformed request body"))
		return
	}

	absRepo, apiErr := s.resolveRepoPath(req.RepoPath)
	if apiErr != nil {
		apierr.WriteJSON(w, apiErr)
		return
	}
	if !depsinstall.HasPackageJSON(absRepo) {
		apierr.WriteJSON(w, apierr.Internal(http.StatusConflict, "repo has no package.json"))
		return
	}

	origin := r.Header.Get("Origin")
	granted, err := s.approval.EnsureApproval(origin, absRepo, approval.CapDepsInstall, s.cfg.WorkspaceRoot)
	if err != nil {
		apierr.WriteJSON(w, apierr.Internal(http.StatusInternalServerError, err.Error()))
		return
	}
	if !granted {
		apierr.WriteJSON(w, apierr.ErrCapabilityNotGranted())
		return
	}

	safer := s.cfg.DepsDefaultSafer
	if req.Safer != nil {
		safer = *req.Safer
	}
	mode := depsinstall.Mode(req.Mode)
	if mode == "" {
		mode = depsinstall.ModeAuto
	}
	manager := depsinstall.Detect(absRepo, depsinstall.Manager(req.Manager))

	job := s.jobsMgr.Enqueue(depsinstall.Runner(manager, absRepo, mode, safer))
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptimeSeconds":      time.Since(s.startedAt).Seconds(),
		"queueDepth":         s.jobsMgr.QueueDepth(),
		"runningJobs":        s.jobsMgr.RunningCount(),
		"eventRingHighWater": s.jobsMgr.EventRingHighWater(),
	})
}

// resolveRepoPath resolves rel inside the workspace, then asserts the
// result is a directory containing .git.
func (s *Server) resolveRepoPath(rel string) (string, *apierr.Error) {
	abs, err := sandbox.ResolveInsideWorkspace(s.cfg.WorkspaceRoot, rel, false)
	if apiErr := s.mapSandboxErrVal(err); apiErr != nil {
		return "", apiErr
	}
	info, statErr := fileStat(abs)
	if statErr != nil || !info.IsDir() {
		return "", apierr.ErrRepoNotFound()
	}
	if _, gitErr := fileStat(filepath.Join(abs, ".git")); gitErr != nil {
		return "", apierr.ErrRepoNotFound()
	}
	return abs, nil
}

// mapSandboxErr writes the appropriate apierr response for a sandbox error
// and reports whether one was written (non-nil err).
func (s *Server) mapSandboxErr(w http.ResponseWriter, err error) error {
	if apiErr := s.mapSandboxErrVal(err); apiErr != nil {
		apierr.WriteJSON(w, apiErr)
		return apiErr
	}
	return nil
}

func (s *Server) mapSandboxErrVal(err error) *apierr.Error {
	switch err {
	case nil:
		return nil
	case sandbox.ErrWorkspaceRequired:
		return apierr.ErrWorkspaceRequired()
	case sandbox.ErrOutsideWorkspace, sandbox.ErrCandidateTooLong:
		return apierr.ErrPathOutsideWorkspace("path resolves outside the workspace root")
	case sandbox.ErrMissingPath:
		return apierr.ErrPathNotFound()
	default:
		return apierr.Internal(http.StatusInternalServerError, err.Error())
	}
}

func fileStat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
