// Package server exposes a read-only HTTP view of study run directories and
// the sweep ledger.
package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"exasweep/internal/config"
	"exasweep/internal/dispatch"
	"exasweep/internal/ensemble"
	"exasweep/internal/ledger"
	"exasweep/internal/runstate"
	"exasweep/internal/sweep"
)

type Server struct {
	Config *config.Bundle
	// Root holds one directory per study.
	Root string
	// Machine is used when a status request names none.
	Machine string
	Jobs    runstate.JobQuerier
	// Ledger may be nil, in which case the sweep endpoints answer 503.
	Ledger *ledger.Ledger
	Logger *zap.Logger
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	r.GET("/studies", s.listStudies)
	r.GET("/status/:study", s.studyStatus)
	r.GET("/ensembles/:study", s.studyEnsembles)
	sweeps := r.Group("/sweeps")
	{
		sweeps.GET("", s.listSweeps)
		sweeps.GET("/:id", s.getSweep)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger().Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger().Info("serving status API", zap.String("addr", addr))
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type studyView struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Cases       []string `json:"cases"`
	Parameters  []string `json:"parameters"`
	Runs        int      `json:"runs"`
	Ensemble    int      `json:"ensemble_runs"`
}

func (s *Server) listStudies(c *gin.Context) {
	var out []studyView
	for _, key := range config.SortedKeys(s.Config.Studies.Studies) {
		st := s.Config.Studies.Studies[key]
		v := studyView{Key: key, Name: st.Name, Description: st.Description, Cases: st.Cases,
			Ensemble: st.Ensemble.Runs}
		for _, p := range st.Parameters {
			v.Parameters = append(v.Parameters, p.Name)
		}
		if len(st.Cases) > 0 {
			if plan, err := sweep.PlanForStudy(st, st.Cases[0], "x"); err == nil {
				v.Runs = plan.Len()
			}
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"studies": out})
}

type runView struct {
	Name     string         `json:"name"`
	State    runstate.State `json:"state"`
	Reason   string         `json:"reason"`
	LastLine string         `json:"last_line,omitempty"`
	PID      int            `json:"pid,omitempty"`
	JobID    string         `json:"job_id,omitempty"`
	ExitCode *int           `json:"exit_code,omitempty"`
}

type caseView struct {
	Case   string         `json:"case"`
	Counts map[string]int `json:"counts"`
	Runs   []runView      `json:"runs"`
}

func (s *Server) studyStatus(c *gin.Context) {
	name := c.Param("study")
	study, err := s.Config.Study(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	machine := c.DefaultQuery("machine", s.Machine)
	if machine == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "machine query parameter is required"})
		return
	}
	cases := study.Cases
	if cs := c.Query("case"); cs != "" {
		if _, err := s.Config.StudyCase(study, name, cs); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		cases = []string{cs}
	}

	checker := runstate.NewChecker(dispatch.LogName(machine), s.Jobs, s.logger())
	studyDir := filepath.Join(s.Root, name)
	var out []caseView
	for _, cs := range cases {
		plan, err := sweep.PlanForStudy(study, cs, machine)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		names := plan.Names()
		dirs := make([]string, len(names))
		for i, n := range names {
			dirs[i] = filepath.Join(studyDir, n)
		}
		reports, err := checker.CheckAll(c.Request.Context(), dirs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		cv := caseView{Case: cs, Counts: map[string]int{}}
		for st, n := range runstate.Counts(reports) {
			cv.Counts[st.String()] = n
		}
		for i, r := range reports {
			cv.Runs = append(cv.Runs, runView{Name: names[i], State: r.State, Reason: r.Reason,
				LastLine: r.LastLine, PID: r.PID, JobID: r.JobID, ExitCode: r.ExitCode})
		}
		out = append(out, cv)
	}
	c.JSON(http.StatusOK, gin.H{"study": name, "machine": machine, "cases": out})
}

type ensembleView struct {
	Case       string `json:"case"`
	Machine    string `json:"machine"`
	Members    int    `json:"members"`
	Aggregated bool   `json:"aggregated"`
}

// studyEnsembles lists the ensemble directories present under a study,
// whichever machine created them.
func (s *Server) studyEnsembles(c *gin.Context) {
	name := c.Param("study")
	if _, err := s.Config.Study(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	studyDir := filepath.Join(s.Root, name)
	entries, err := os.ReadDir(studyDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := []ensembleView{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cs, machine, err := sweep.ParseEnsembleDir(e.Name())
		if err != nil {
			continue
		}
		dir := filepath.Join(studyDir, e.Name())
		members, err := ensemble.Members(dir)
		if err != nil {
			s.logger().Warn("unreadable ensemble directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		_, statErr := os.Stat(filepath.Join(dir, ensemble.SummaryBase("")+"_mean.dat"))
		out = append(out, ensembleView{Case: cs, Machine: machine, Members: len(members), Aggregated: statErr == nil})
	}
	c.JSON(http.StatusOK, gin.H{"study": name, "ensembles": out})
}

type sweepView struct {
	ID         string     `json:"id"`
	Study      string     `json:"study"`
	Case       string     `json:"case"`
	Machine    string     `json:"machine"`
	Action     string     `json:"action"`
	GitCommit  string     `json:"git_commit,omitempty"`
	GitBranch  string     `json:"git_branch,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Submitted  int        `json:"submitted"`
}

func newSweepView(sw ledger.Sweep) sweepView {
	return sweepView{ID: sw.ID, Study: sw.Study, Case: sw.Case, Machine: sw.Machine, Action: sw.Action,
		GitCommit: sw.GitCommit, GitBranch: sw.GitBranch, StartedAt: sw.StartedAt, FinishedAt: sw.FinishedAt,
		Total: sw.Total, Succeeded: sw.Succeeded, Failed: sw.Failed, Skipped: sw.Skipped, Submitted: sw.Submitted}
}

type ledgerRunView struct {
	RunKey     string     `json:"run_key"`
	RunDir     string     `json:"run_dir"`
	PID        int        `json:"pid,omitempty"`
	JobID      string     `json:"job_id,omitempty"`
	State      string     `json:"state"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (s *Server) listSweeps(c *gin.Context) {
	if s.Ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no ledger configured"})
		return
	}
	limit := 50
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	sweeps, err := s.Ledger.Sweeps(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]sweepView, 0, len(sweeps))
	for _, sw := range sweeps {
		out = append(out, newSweepView(sw))
	}
	c.JSON(http.StatusOK, gin.H{"sweeps": out})
}

func (s *Server) getSweep(c *gin.Context) {
	if s.Ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no ledger configured"})
		return
	}
	sw, err := s.Ledger.Sweep(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	runs, err := s.Ledger.Runs(c.Request.Context(), sw.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rv := make([]ledgerRunView, 0, len(runs))
	for _, r := range runs {
		rv = append(rv, ledgerRunView{RunKey: r.RunKey, RunDir: r.RunDir, PID: r.PID, JobID: r.JobID,
			State: r.State, ExitCode: r.ExitCode, StartedAt: r.StartedAt, FinishedAt: r.FinishedAt})
	}
	c.JSON(http.StatusOK, gin.H{"sweep": newSweepView(sw), "runs": rv})
}
