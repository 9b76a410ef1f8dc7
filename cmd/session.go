package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/session"
	"github.com/sells-group/enforcement-cli/internal/source"
	"github.com/sells-group/enforcement-cli/internal/store"
)

// shutdownTimeout bounds how long an interrupted run waits for sessions to
// reach a page boundary.
const shutdownTimeout = 2 * time.Minute

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run and inspect ingestion sessions",
}

// -- session start --

var sessionStartCmd = &cobra.Command{
	Use:   "start <source>...",
	Short: "Start ingestion sessions and wait for them to finish",
	Long:  "Starts one session per named source. Interrupting stops every session at its next page boundary.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srcs, err := lookupSources(args)
		if err != nil {
			return err
		}
		rng, err := rangeFromFlags(cmd)
		if err != nil {
			return err
		}
		resume, _ := cmd.Flags().GetBool("resume")

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		handles, startErr := startSessions(ctx, env.Tracker, srcs, rng, resume)

		finished := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				zap.L().Info("interrupt received, stopping sessions")
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := env.Tracker.Shutdown(sctx); err != nil {
					zap.L().Warn("sessions did not stop in time", zap.Error(err))
				}
			case <-finished:
			}
		}()

		err = waitSessions(handles)
		close(finished)

		sessions := make([]model.Session, 0, len(handles))
		for _, h := range handles {
			if sess, serr := env.Tracker.Status(context.WithoutCancel(ctx), h.ID); serr == nil {
				sessions = append(sessions, *sess)
			}
		}
		formatSessionList(os.Stdout, sessions)

		if err != nil {
			return err
		}
		return startErr
	},
}

func lookupSources(names []string) ([]source.Config, error) {
	srcs := make([]source.Config, 0, len(names))
	for _, name := range names {
		src, ok := cfg.Source(name)
		if !ok {
			return nil, eris.Errorf("unknown source %q", name)
		}
		srcs = append(srcs, src)
	}
	return srcs, nil
}

func rangeFromFlags(cmd *cobra.Command) (model.RangeParams, error) {
	var rng model.RangeParams
	rng.StartPage, _ = cmd.Flags().GetInt("start-page")
	rng.EndPage, _ = cmd.Flags().GetInt("end-page")
	if rng.EndPage > 0 && rng.StartPage > rng.EndPage {
		return rng, eris.New("--start-page must not be after --end-page")
	}

	var err error
	startDate, _ := cmd.Flags().GetString("start-date")
	if rng.StartDate, err = parseDateFlag("start-date", startDate); err != nil {
		return rng, err
	}
	endDate, _ := cmd.Flags().GetString("end-date")
	if rng.EndDate, err = parseDateFlag("end-date", endDate); err != nil {
		return rng, err
	}
	if rng.StartDate != nil && rng.EndDate != nil && rng.StartDate.After(*rng.EndDate) {
		return rng, eris.New("--start-date must not be after --end-date")
	}
	return rng, nil
}

func parseDateFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, eris.Errorf("--%s must be YYYY-MM-DD, got %q", name, v)
	}
	return &t, nil
}

// startSessions starts one session per source. Sources that fail to start
// are logged and skipped; the first such error is returned with the handles
// that did start.
func startSessions(ctx context.Context, tr *session.Tracker, srcs []source.Config, rng model.RangeParams, resume bool) ([]*session.Handle, error) {
	var (
		handles  []*session.Handle
		firstErr error
	)
	for _, src := range srcs {
		r := rng
		if resume {
			var err error
			if r, err = tr.ResumeRange(ctx, src.Name, rng); err != nil {
				zap.L().Error("resume lookup failed", zap.String("source", src.Name), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		h, err := tr.Start(ctx, src, r)
		if err != nil {
			zap.L().Error("session failed to start", zap.String("source", src.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		handles = append(handles, h)
	}
	return handles, firstErr
}

func waitSessions(handles []*session.Handle) error {
	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			<-h.Done()
			if err := h.Err(); err != nil {
				return eris.Wrapf(err, "session %s (%s)", h.ID, h.Source)
			}
			return nil
		})
	}
	return g.Wait()
}

// -- session stop --

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a running session at its next page boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Tracker.Stop(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Session %s stopped.\n", args[0])
		return nil
	},
}

// -- session list --

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		active, _ := cmd.Flags().GetBool("active")
		stale, _ := cmd.Flags().GetDuration("stale")
		src, _ := cmd.Flags().GetString("source")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		var sessions []model.Session
		switch {
		case stale > 0:
			sessions, err = env.Tracker.Stale(ctx, stale)
		case active:
			sessions, err = env.Tracker.Active(ctx)
		default:
			filter := store.SessionFilter{Source: src, Limit: limit}
			if status != "" {
				st, perr := model.ParseSessionStatus(status)
				if perr != nil {
					return perr
				}
				filter.Statuses = []model.SessionStatus{st}
			}
			sessions, err = env.Store.ListSessions(ctx, filter)
		}
		if err != nil {
			return eris.Wrap(err, "session list")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}
		formatSessionList(os.Stdout, sessions)
		return nil
	},
}

// -- session status --

var sessionStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		sess, err := env.Tracker.Status(ctx, args[0])
		if err != nil {
			return err
		}
		formatSessionDetail(os.Stdout, sess)
		return nil
	},
}

// -- session log --

var sessionLogCmd = &cobra.Command{
	Use:   "log <session-id>",
	Short: "Show the per-page processing log of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListProcessingLog(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "session log")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No pages committed.")
			return nil
		}
		formatProcessingLog(os.Stdout, entries)
		return nil
	},
}

func formatSessionList(w io.Writer, sessions []model.Session) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tSTATUS\tFOUND\tCREATED\tUPDATED\tEXISTING\tERRORS\tCREATED AT")
	for _, s := range sessions {
		c := s.Counters
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			shortID(s.ID), s.Source, s.Status,
			c.Found, c.Created, c.Updated, c.Existing, c.Errors,
			s.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	tw.Flush()
}

func formatSessionDetail(w io.Writer, s *model.Session) {
	fmt.Fprintf(w, "ID:        %s\n", s.ID)
	fmt.Fprintf(w, "Source:    %s (%s)\n", s.Source, s.Strategy)
	fmt.Fprintf(w, "Status:    %s\n", s.Status)
	c := s.Counters
	fmt.Fprintf(w, "Counters:  found=%d created=%d updated=%d existing=%d errors=%d\n",
		c.Found, c.Created, c.Updated, c.Existing, c.Errors)
	if r := describeRange(s.Range); r != "" {
		fmt.Fprintf(w, "Range:     %s\n", r)
	}
	fmt.Fprintf(w, "Created:   %s\n", s.CreatedAt.Format(time.RFC3339))
	if s.StartedAt != nil {
		fmt.Fprintf(w, "Started:   %s\n", s.StartedAt.Format(time.RFC3339))
	}
	if s.FinishedAt != nil {
		fmt.Fprintf(w, "Finished:  %s\n", s.FinishedAt.Format(time.RFC3339))
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "Error:     %s\n", s.LastError)
	}
}

func describeRange(r model.RangeParams) string {
	var parts []string
	if r.StartPage > 0 || r.EndPage > 0 {
		end := "end"
		if r.EndPage > 0 {
			end = fmt.Sprint(r.EndPage)
		}
		parts = append(parts, fmt.Sprintf("pages %d-%s", max(r.StartPage, 1), end))
	}
	if r.StartCursor != "" {
		parts = append(parts, "from cursor "+r.StartCursor)
	}
	if r.StartDate != nil || r.EndDate != nil {
		from, to := "", ""
		if r.StartDate != nil {
			from = r.StartDate.Format(time.DateOnly)
		}
		if r.EndDate != nil {
			to = r.EndDate.Format(time.DateOnly)
		}
		parts = append(parts, fmt.Sprintf("dates %s..%s", from, to))
	}
	return strings.Join(parts, ", ")
}

func formatProcessingLog(w io.Writer, entries []model.ProcessingLogEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PAGE\tFOUND\tCREATED\tUPDATED\tEXISTING\tERRORS\tNEXT CURSOR\tCOMMITTED")
	for _, e := range entries {
		c := e.Counts
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			e.Page, c.Found, c.Created, c.Updated, c.Existing, c.Errors,
			e.NextCursor, e.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	tw.Flush()
	for _, e := range entries {
		for _, msg := range e.Errors {
			fmt.Fprintf(w, "page %d: %s\n", e.Page, msg)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	sessionStartCmd.Flags().Int("start-page", 0, "first page to fetch (cursor sources)")
	sessionStartCmd.Flags().Int("end-page", 0, "last page to fetch, 0 for no limit")
	sessionStartCmd.Flags().String("start-date", "", "earliest action date, YYYY-MM-DD (range_detail sources)")
	sessionStartCmd.Flags().String("end-date", "", "latest action date, YYYY-MM-DD (range_detail sources)")
	sessionStartCmd.Flags().Bool("resume", false, "continue after the last committed cursor of each source")

	sessionListCmd.Flags().Bool("active", false, "only pending and running sessions")
	sessionListCmd.Flags().Duration("stale", 0, "only running sessions not updated within this duration")
	sessionListCmd.Flags().String("source", "", "filter by source name")
	sessionListCmd.Flags().String("status", "", "filter by status")
	sessionListCmd.Flags().Int("limit", 20, "maximum sessions to list")

	sessionCmd.AddCommand(sessionStartCmd, sessionStopCmd, sessionListCmd, sessionStatusCmd, sessionLogCmd)
	rootCmd.AddCommand(sessionCmd)
}
