package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/autonomous"
	"github.com/joelklabo/agentpay/runtime"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSetupCmd() *cobra.Command {
	var envPath string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the identity key on first run",
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := runtime.Setup(envPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity ready: %s\n", address)
			return nil
		},
	}
	cmd.Flags().StringVar(&envPath, "env", ".env", "environment file holding the identity key")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Serve paid jobs over the 402 handshake",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtime.New()
			if err != nil {
				return err
			}
			defer rt.Log.Sync()

			srv, cleanup, err := buildWorkerServer(rt)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()
			return serveHTTP(ctx, rt.Config.ListenAddr, srv.Routes(), rt.Log)
		},
	}
}

func newClientCmd() *cobra.Command {
	var taskType, inputJSON string
	cmd := &cobra.Command{
		Use:   "client <worker-name>",
		Short: "Hire a named worker for one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtime.New()
			if err != nil {
				return err
			}
			defer rt.Log.Sync()

			input, err := parseInput(inputJSON)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			h, cleanup, err := buildHirer(ctx, rt)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := h.Hire(ctx, args[0], taskType, input)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&taskType, "task", "summarize", "task type to request")
	cmd.Flags().StringVar(&inputJSON, "input", "{}", "job input as a JSON object")
	return cmd
}

func newAutonomousWorkerCmd() *cobra.Command {
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "autonomous-worker",
		Short: "Watch the feed, accept offers, and serve the jobs that follow",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtime.New()
			if err != nil {
				return err
			}
			defer rt.Log.Sync()
			if rt.Config.ENSName == "" {
				return agentpay.NewError(agentpay.ErrCodeConfigInvalid, "autonomous-worker needs AGENTPAY_ENS_NAME")
			}

			srv, cleanup, err := buildWorkerServer(rt)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- serveHTTP(ctx, rt.Config.ListenAddr, srv.Routes(), rt.Log)
			}()

			feed := autonomous.NewFeedClient(rt.Config.FeedURL, nil)
			agent := autonomous.NewWorkerAgent(rt.Config.ENSName, capabilities, feed, rt.Log)
			loop := autonomous.NewLoop(feed.Provider(), agent.OnOffer, nil, rt.Config.PollInterval, rt.Log)

			go func() { errCh <- loop.Run(ctx) }()

			err = <-errCh
			if agentpay.CodeOf(err) == agentpay.ErrCodeCancelled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&capabilities, "capabilities", []string{"summarize", "echo"}, "task types to accept")
	return cmd
}

func newAutonomousClientCmd() *cobra.Command {
	var taskType, inputJSON string
	var price int64
	cmd := &cobra.Command{
		Use:   "autonomous-client",
		Short: "Post one offer and hire the first worker that accepts",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtime.New()
			if err != nil {
				return err
			}
			defer rt.Log.Sync()
			if rt.Config.ENSName == "" {
				return agentpay.NewError(agentpay.ErrCodeConfigInvalid, "autonomous-client needs AGENTPAY_ENS_NAME")
			}
			input, err := parseInput(inputJSON)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			h, cleanup, err := buildHirer(ctx, rt)
			if err != nil {
				return err
			}
			defer cleanup()

			// Capability discovery short-circuits the feed: hire a known
			// agent directly when one advertises the task type.
			if rt.Config.HireByCapability && len(rt.Config.KnownAgents) > 0 {
				resolver, ethClient, err := buildResolver(rt)
				if err != nil {
					return err
				}
				matches := resolver.DiscoverAgents(ctx, taskType, rt.Config.KnownAgents)
				ethClient.Close()
				if len(matches) > 0 {
					result, err := h.Hire(ctx, matches[0].Name, taskType, input)
					if err != nil {
						return err
					}
					return printJSON(cmd, result)
				}
				rt.Log.Info("no known agent advertises the capability, offering on the feed",
					zap.String("task_type", taskType))
			}

			feed := autonomous.NewFeedClient(rt.Config.FeedURL, nil)
			agent := autonomous.NewClientAgent(rt.Config.ENSName,
				autonomous.Offer{Price: price, TaskType: taskType}, input, feed, h, rt.Log)
			if _, err := agent.PostOffer(ctx); err != nil {
				return agentpay.NewErrorf(agentpay.ErrCodeCounterpartyFailed, "post offer: %v", err)
			}

			loopCtx, cancelLoop := context.WithCancel(ctx)
			defer cancelLoop()
			loop := autonomous.NewLoop(feed.Provider(), nil, agent.OnAccept, rt.Config.PollInterval, rt.Log)
			go loop.Run(loopCtx)

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if result, ok := agent.Result(); ok {
						cancelLoop()
						return printJSON(cmd, result)
					}
				case <-ctx.Done():
					return agentpay.NewErrorf(agentpay.ErrCodeCancelled, "%v", ctx.Err())
				}
			}
		},
	}
	cmd.Flags().StringVar(&taskType, "task", "summarize", "task type to offer")
	cmd.Flags().Int64Var(&price, "price", 1, "offer price in AP")
	cmd.Flags().StringVar(&inputJSON, "input", "{}", "job input as a JSON object")
	return cmd
}

func newDemoFeedCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "demo-feed",
		Short: "Run the in-memory demo feed server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signalContext()
			defer stop()
			return serveHTTP(ctx, listen, autonomous.NewDemoFeed().Routes(), log)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8700", "address to serve the feed on")
	return cmd
}

// skillDoc teaches an agent harness how to drive this CLI.
const skillDoc = `# AgentPay

Hire and get hired for paid jobs between agents.

## Commands

- ` + "`agentpay setup`" + ` — create your identity key (once).
- ` + "`agentpay worker`" + ` — serve paid jobs; bills are quoted per job.
- ` + "`agentpay client <name> --task <type> --input '<json>'`" + ` — hire a worker by ENS name.
- ` + "`agentpay autonomous-worker`" + ` — watch the feed and accept offers automatically.
- ` + "`agentpay autonomous-client --task <type> --price <AP>`" + ` — post an offer and hire the first accepting worker.

Configure via environment: CLIENT_PRIVATE_KEY, AGENTPAY_ENS_NAME,
AGENTPAY_DEMO_FEED_URL, AGENTPAY_PAYMENT_METHOD (channel|app_session), RPC_URL.
`

func newInstallSkillCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "install-skill",
		Short: "Install the agent skill document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				dir = filepath.Join(home, ".agentpay", "skills", "agentpay")
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			path := filepath.Join(dir, "SKILL.md")
			if err := os.WriteFile(path, []byte(skillDoc), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "target directory (default ~/.agentpay/skills/agentpay)")
	return cmd
}

// serveHTTP runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func parseInput(raw string) (map[string]interface{}, error) {
	input := map[string]interface{}{}
	if raw == "" {
		return input, nil
	}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, agentpay.NewErrorf(agentpay.ErrCodeConfigInvalid, "--input: %v", err)
	}
	return input, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
