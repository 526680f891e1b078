package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/dsmctl/internal/clusterconf"
	core "github.com/3cpo-dev/dsmctl/internal/core"
	"github.com/3cpo-dev/dsmctl/internal/pipeline"
	prov "github.com/3cpo-dev/dsmctl/internal/providers"
	lin "github.com/3cpo-dev/dsmctl/internal/providers/linode"
	localssh "github.com/3cpo-dev/dsmctl/internal/providers/localssh"
	vlt "github.com/3cpo-dev/dsmctl/internal/providers/vultr"
	gssh "github.com/3cpo-dev/dsmctl/internal/ssh"
	"github.com/3cpo-dev/dsmctl/internal/telemetry"
	"github.com/3cpo-dev/dsmctl/pkg/api"
)

func loadConfig(cmd *cobra.Command) (prov.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, err
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled)
	return cfg, nil
}

// Resolve the registry
func resolveRegistry(cfg prov.Config) *prov.Registry {
	reg := prov.NewRegistry()
	reg.Register(localssh.New(cfg))
	reg.Register(lin.New(cfg))
	reg.Register(vlt.New(cfg))
	return reg
}

func resolveCompute(cmd *cobra.Command, cfg prov.Config) (prov.Compute, error) {
	provider, _ := cmd.Flags().GetString("provider")
	if provider == "" {
		provider = cfg.Providers.Default
	}
	return resolveRegistry(cfg).Get(provider)
}

// newProvisioner builds the provisioner with the fixed instance template.
// Cloud providers need the public key for login; localssh does not.
func newProvisioner(cfg prov.Config, compute prov.Compute) (*core.Provisioner, error) {
	tmpl := prov.CreateRequest{Tag: cfg.Fleet.Tag, Label: cfg.Fleet.Tag, SSHUser: cfg.SSH.User}
	signer, err := gssh.LoadPrivateKeySigner(cfg.SSH.KeyPath)
	switch {
	case err == nil:
		tmpl.SSHKey = gssh.MarshalAuthorized(signer)
		tmpl.CloudInit = prov.CloudInitUserData(cfg.SSH.User, tmpl.SSHKey)
	case compute.Name() != "localssh":
		return nil, fmt.Errorf("instance template needs an ssh key: %w", err)
	}
	return core.NewProvisioner(compute, tmpl, cfg.Fleet.WaitTimeout).
		WithRecorder(telemetry.NewRecorder(telemetry.GetGlobal())), nil
}

func logCallStats(p *core.Provisioner) {
	t := p.Metrics().Totals()
	log.Debug().Int64("calls", t.Calls).Int64("errors", t.Errors).Dur("total", t.Total).Msg("provider calls")
}

// Ensure the fleet size
func newEnsureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensure <N>",
		Short: "Make sure N tagged nodes are running, creating only the missing ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("fleet size %q: %w", args[0], err)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			compute, err := resolveCompute(cmd, cfg)
			if err != nil {
				return err
			}
			p, err := newProvisioner(cfg, compute)
			if err != nil {
				return err
			}
			defer logCallStats(p)
			endpoints, err := p.EnsureFleetSize(cmd.Context(), n)
			if err != nil {
				return err
			}
			for _, e := range endpoints {
				fmt.Fprintln(cmd.OutOrStdout(), e)
			}
			if out, _ := cmd.Flags().GetString("write-nodes"); out != "" {
				base, _ := cmd.Flags().GetInt("base-port")
				if base == 0 {
					base = cfg.Fleet.BasePort
				}
				fleet := clusterconf.FromEndpoints(endpoints, base)
				if err := clusterconf.Validate(fleet); err != nil {
					return err
				}
				if err := core.WriteFleet(out, fleet); err != nil {
					return err
				}
				log.Info().Str("file", out).Int("nodes", fleet.Size()).Msg("node list written")
			}
			return nil
		},
	}
	cmd.Flags().String("write-nodes", "", "write a node list (first endpoint is the coordinator) to this YAML file")
	cmd.Flags().Int("base-port", 0, "application port of the first node (default fleet.base_port)")
	return cmd
}

// Terminate the fleet
func newTerminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate",
		Short: "Request termination of every running tagged node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			compute, err := resolveCompute(cmd, cfg)
			if err != nil {
				return err
			}
			p := core.NewProvisioner(compute, prov.CreateRequest{Tag: cfg.Fleet.Tag}, cfg.Fleet.WaitTimeout).
				WithRecorder(telemetry.NewRecorder(telemetry.GetGlobal()))
			defer logCallStats(p)
			summary, err := p.TerminateFleet(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "termination requested for %d of %d instances\n", summary.Terminated, summary.Requested)
			for _, f := range summary.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "  failed: %v\n", f)
			}
			return nil
		},
	}
}

// List running endpoints
func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "Print the address of every running tagged node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			compute, err := resolveCompute(cmd, cfg)
			if err != nil {
				return err
			}
			p := core.NewProvisioner(compute, prov.CreateRequest{Tag: cfg.Fleet.Tag}, cfg.Fleet.WaitTimeout)
			endpoints, err := p.ListRunningEndpoints(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range endpoints {
				fmt.Fprintln(cmd.OutOrStdout(), e)
			}
			return nil
		},
	}
}

func layoutFromConfig(cfg prov.Config) pipeline.Layout {
	pc := cfg.Pipeline
	return pipeline.Layout{
		Workdir:         pc.Workdir,
		ConfigFile:      pc.ConfigFile,
		Fetch:           pc.Commands.Fetch,
		Clean:           pc.Commands.Clean,
		Build:           pc.Commands.Build,
		Workload:        pc.Workload.Enabled,
		WorkloadCommand: pc.Workload.Command,
		ResultsFile:     pc.Workload.ResultsFile,
		ResultsDir:      pc.Workload.ResultsDir,
	}
}

// sshDialer opens sessions with the configured key and trust policy.
func sshDialer(cfg prov.Config) (pipeline.DialFunc, error) {
	signer, err := gssh.LoadPrivateKeySigner(cfg.SSH.KeyPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := gssh.HostKeyCallback(gssh.TrustConfig{
		Policy:     gssh.TrustPolicy(cfg.SSH.Trust),
		KnownHosts: cfg.SSH.KnownHosts,
		Pinned:     cfg.SSH.PinnedKeys,
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, node api.Node) (pipeline.Session, error) {
		s, err := gssh.Open(ctx, &gssh.Client{
			Addr:     net.JoinHostPort(node.Address, strconv.Itoa(cfg.SSH.Port)),
			User:     cfg.SSH.User,
			Signer:   signer,
			HostKeys: hostKeys,
			Timeout:  cfg.SSH.ConnectTimeout,
			Retries:  cfg.SSH.Retries,
			Backoff:  500 * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}, nil
}

// Run the pipeline over a node list
func newRunPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-pipeline <node-list-file>",
		Short: "Run fetch, clean, configure and build on every node of a node list",
		Long: "Reads a node list (.yaml, .json, .jsonc or a rendered .conf), renders the cluster\n" +
			"config and runs the pipeline on every node. Exits 0 only if every node completed\n" +
			"every step successfully.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fleet, err := core.LoadFleet(args[0], cfg.Fleet.BasePort)
			if err != nil {
				return err
			}
			configs, err := clusterconf.RenderConfigs(fleet)
			if err != nil {
				return err
			}
			layout := layoutFromConfig(cfg)
			if workload, _ := cmd.Flags().GetBool("workload"); workload {
				layout.Workload = true
			}
			steps := layout.Steps()
			if err := pipeline.ValidateSteps(steps); err != nil {
				return err
			}
			dial, err := sshDialer(cfg)
			if err != nil {
				return err
			}
			concurrency := cfg.Pipeline.Concurrency
			if c, _ := cmd.Flags().GetInt("concurrency"); c > 0 {
				concurrency = c
			}
			asJSON, _ := cmd.Flags().GetBool("json")

			runner := &pipeline.Runner{
				Dial:           dial,
				Steps:          steps,
				Output:         cmd.ErrOrStderr(),
				Concurrency:    concurrency,
				StepTimeout:    cfg.Pipeline.StepTimeout,
				ConnectTimeout: cfg.SSH.ConnectTimeout,
				Recorder:       telemetry.NewRecorder(telemetry.GetGlobal()),
			}
			report := runner.Run(cmd.Context(), fleet, configs)
			saveRun(cfg, report.Summary())

			out := cmd.OutOrStdout()
			if asJSON {
				err = report.WriteJSON(out)
			} else {
				err = report.WriteText(out)
			}
			if err != nil {
				return err
			}
			if !report.Success() {
				return exitError{code: 2}
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the report as JSON")
	cmd.Flags().Int("concurrency", 0, "node workflows to run at once (default pipeline.concurrency)")
	cmd.Flags().Bool("workload", false, "also run the workload and collect steps")
	return cmd
}

// saveRun records the run in history; a store failure never fails the run.
func saveRun(cfg prov.Config, run api.RunSummary) {
	if cfg.Store.Path == "" {
		return
	}
	store, err := core.NewStore(cfg.Store.Path)
	if err != nil {
		log.Warn().Err(err).Msg("run history unavailable")
		return
	}
	defer store.Close()
	// The run context may already be cancelled after an interrupt.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.SaveRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("record run history")
	}
}

// Render the cluster config without touching any node
func newRenderConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render-config <node-list-file>",
		Short: "Print the cluster config every node would receive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fleet, err := core.LoadFleet(args[0], cfg.Fleet.BasePort)
			if err != nil {
				return err
			}
			doc, err := clusterconf.Render(fleet)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(doc))
			return err
		},
	}
}

// Show recent runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent pipeline runs, or the steps of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 1 {
				nodes, err := store.RunSteps(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(nodes) == 0 {
					return fmt.Errorf("run %s not found", args[0])
				}
				fmt.Fprintln(tw, "NODE\tROLE\tSTATUS\tSTEP\tEXIT\tDURATION\tOUTPUT")
				for _, n := range nodes {
					if len(n.Steps) == 0 {
						fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\t-\t%s\n", n.Node.Address, n.Node.Role, n.Status, n.Error)
					}
					for _, s := range n.Steps {
						exit := "-"
						if s.ExitStatus != nil {
							exit = strconv.Itoa(*s.ExitStatus)
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", n.Node.Address, n.Node.Role, n.Status, s.Step, exit,
							time.Duration(s.DurationMS)*time.Millisecond, humanize.Bytes(uint64(s.StdoutBytes+s.StderrBytes)))
					}
				}
				return nil
			}

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "RUN\tSTARTED\tRESULT\tOK\tDEGRADED\tUNREACHABLE")
			for _, r := range runs {
				started := r.Started
				if t, err := time.Parse(time.RFC3339, r.Started); err == nil {
					started = humanize.Time(t)
				}
				result := "failed"
				switch {
				case r.Interrupted:
					result = "interrupted"
				case r.Success:
					result = "ok"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", r.RunID, started, result, r.Ok, r.Degraded, r.Unreachable)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

// Inspect configured providers
func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the registered providers and the default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "default: %s\n", cfg.Providers.Default)
			for _, name := range resolveRegistry(cfg).Names() {
				fmt.Fprintf(cmd.OutOrStdout(), "registered: %s\n", name)
			}
			return nil
		},
	}
}
