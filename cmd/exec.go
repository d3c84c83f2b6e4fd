package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	statusadapter "github.com/bnema/hbci-go/internal/adapters/render/status"
	"github.com/bnema/hbci-go/internal/application"
	"github.com/bnema/hbci-go/internal/domain"
)

var errExecutionNotOK = errors.New("execution did not complete cleanly")

type execOptions struct {
	jobs        []string
	params      []string
	customer    string
	newMsg      bool
	lowlevel    bool
	threaded    bool
	asJSON      bool
	verbose     bool
	metricsAddr string
}

func newExecCmd(app *app, flags *globalFlags) *cobra.Command {
	opts := execOptions{}

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run jobs in one dialog and print the execution status",
		Long: "exec queues every --job into the dialog of --customer and executes it.\n" +
			"--param key=value applies to every job; JOB:key=value only to the named job.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExec(cmd, app, flags, opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.jobs, "job", nil, "Job name, repeatable")
	cmd.Flags().StringArrayVar(&opts.params, "param", nil, "Job parameter key=value or JOB:key=value, repeatable")
	cmd.Flags().StringVar(&opts.customer, "customer", "", "Customer id (default: the passport's customer id)")
	cmd.Flags().BoolVar(&opts.newMsg, "new-msg", false, "Send every job in its own message")
	cmd.Flags().BoolVar(&opts.lowlevel, "lowlevel", false, "Treat job names as lowlevel institute jobs")
	cmd.Flags().BoolVar(&opts.threaded, "threaded", false, "Run the dialog on a worker and answer callbacks here")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Render JSON output")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "Show every return value")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address while running (default: metrics.addr)")
	_ = cmd.MarkFlagRequired("job")

	return cmd
}

func runExec(cmd *cobra.Command, app *app, flags *globalFlags, opts execOptions) (err error) {
	ctx := cmd.Context()

	params, err := parseJobParams(opts.params)
	if err != nil {
		return err
	}

	addr := opts.metricsAddr
	if addr == "" {
		addr = app.cfg.MetricsAddr
	}
	if addr != "" {
		stop, err := serveMetrics(app, addr)
		if err != nil {
			return err
		}
		defer stop()
	}

	s, err := app.openSession(ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), flags.profile, flags.answers)
	if err != nil {
		return err
	}
	h, closeHandler, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeHandler())
	}()

	jobs, err := queueJobs(ctx, h, opts, params)
	if err != nil {
		return err
	}

	var exec *domain.ExecStatus
	if opts.threaded {
		exec, err = runThreaded(ctx, cmd, s, h)
	} else {
		exec, err = h.Execute(ctx)
	}
	if err != nil {
		return err
	}

	if err := writeExec(cmd.OutOrStdout(), exec, jobs, opts); err != nil {
		return err
	}
	if !exec.IsOK() {
		return fmt.Errorf("%w: outcome %s", errExecutionNotOK, exec.Outcome())
	}
	return nil
}

// jobParam is one --param value; an empty job applies to every job.
type jobParam struct {
	job   string
	key   string
	value string
}

func parseJobParams(raw []string) ([]jobParam, error) {
	params := make([]jobParam, 0, len(raw))
	for _, r := range raw {
		key, value, ok := strings.Cut(r, "=")
		if !ok {
			return nil, fmt.Errorf("parse --param %q: expected key=value", r)
		}
		p := jobParam{key: strings.TrimSpace(key), value: value}
		if job, k, scoped := strings.Cut(p.key, ":"); scoped {
			p.job, p.key = job, k
		}
		if p.key == "" {
			return nil, fmt.Errorf("parse --param %q: empty key", r)
		}
		params = append(params, p)
	}
	return params, nil
}

func queueJobs(ctx context.Context, h *application.Handler, opts execOptions, params []jobParam) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, len(opts.jobs))
	for i, name := range opts.jobs {
		var (
			job *domain.Job
			err error
		)
		if opts.lowlevel {
			job, err = h.NewLowlevelJob(name)
		} else {
			job, err = h.NewJob(name)
		}
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}

		for _, p := range params {
			if p.job != "" && p.job != name {
				continue
			}
			if err := job.SetParam(p.key, p.value); err != nil {
				return nil, err
			}
		}

		if opts.newMsg && i > 0 {
			if err := h.NewMsg(opts.customer); err != nil {
				return nil, err
			}
		}
		if err := h.AddJobToDialog(ctx, opts.customer, job); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// runThreaded drives a threaded execution: the worker runs behind a spinner
// and every callback it raises is answered on this goroutine.
func runThreaded(ctx context.Context, cmd *cobra.Command, s *session, h *application.Handler) (*domain.ExecStatus, error) {
	var status domain.ThreadedStatus
	err := runSpinner(ctx, cmd.ErrOrStderr(), "Talking to the institute...", func(ctx context.Context) error {
		var err error
		status, err = h.ExecuteThreaded(ctx)
		return err
	})

	for err == nil && status.IsCallback() {
		answer, askErr := s.callback.Ask(ctx, *status.Callback)
		if askErr != nil {
			s.app.logger.Warn("callback failed, answering empty", "reason", string(status.Callback.Reason), "error", askErr)
			answer = ""
		}
		err = runSpinner(ctx, cmd.ErrOrStderr(), "Talking to the institute...", func(ctx context.Context) error {
			var err error
			status, err = h.ContinueThreaded(ctx, answer)
			return err
		})
	}
	if err != nil {
		return nil, err
	}
	return status.Exec, nil
}

func serveMetrics(app *app, addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	app.logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

type execJSON struct {
	Outcome domain.Outcome `json:"outcome"`
	Dialogs []dialogJSON   `json:"dialogs"`
	Jobs    []jobJSON      `json:"jobs"`
}

type dialogJSON struct {
	CustomerID string         `json:"customer_id"`
	DialogID   string         `json:"dialog_id,omitempty"`
	Outcome    domain.Outcome `json:"outcome"`
	RetVals    []string       `json:"retvals,omitempty"`
	Fault      string         `json:"fault,omitempty"`
}

type jobJSON struct {
	Name    string            `json:"name"`
	Status  string            `json:"status"`
	RetVals []string          `json:"retvals,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func writeExec(w io.Writer, exec *domain.ExecStatus, jobs []*domain.Job, opts execOptions) error {
	if !opts.asJSON {
		rendered, err := statusadapter.Render(exec, statusadapter.RenderOptions{Verbose: opts.verbose})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, rendered)
		return err
	}

	out := execJSON{Outcome: exec.Outcome(), Dialogs: []dialogJSON{}, Jobs: []jobJSON{}}
	for _, id := range exec.CustomerIDs() {
		d := dialogJSON{CustomerID: id, Outcome: exec.OutcomeFor(id)}
		if st, ok := exec.DialogStatus(id); ok {
			d.DialogID = st.DialogID
			d.RetVals = messageRetVals(st)
		}
		if err := exec.Fault(id); err != nil {
			d.Fault = err.Error()
		}
		out.Dialogs = append(out.Dialogs, d)
	}
	for _, job := range jobs {
		res := job.Result()
		j := jobJSON{Name: job.Name(), Status: res.Status().String()}
		for _, rv := range res.RetVals() {
			j.RetVals = append(j.RetVals, rv.String())
		}
		if values := res.Values(); len(values) > 0 {
			j.Values = make(map[string]string, len(values))
			for _, v := range values {
				j.Values[v.Name] = v.Value
			}
		}
		if err := res.Err(); err != nil {
			j.Error = err.Error()
		}
		out.Jobs = append(out.Jobs, j)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func messageRetVals(st domain.DialogStatus) []string {
	var out []string
	msgs := append([]domain.MessageStatus{st.Init}, st.Messages...)
	msgs = append(msgs, st.End)
	for _, msg := range msgs {
		for _, rv := range msg.RetVals {
			out = append(out, rv.String())
		}
	}
	return out
}
