package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/architect-io/runflow/pkg/engine"
	"github.com/architect-io/runflow/pkg/engine/step"
	"github.com/architect-io/runflow/pkg/errors"
	"github.com/architect-io/runflow/pkg/events"
	"github.com/architect-io/runflow/pkg/pipeline"
	"github.com/architect-io/runflow/pkg/secrets"
)

func newRunCmd() *cobra.Command {
	var (
		envFlags  []string
		timeout   time.Duration
		workDir   string
		credsFile string
		eventsURL string
		useAWS    bool
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline.yml>",
		Short: "Execute a pipeline",
		Long: `Execute a pipeline definition and exit 0 only if it succeeds.

Examples:
  runflow run pipeline.yml
  runflow run pipeline.yml --env VERSION=1.4.2 --timeout 30m
  runflow run pipeline.yml --credentials-file ~/.runflow/credentials.yml`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}

			env, err := parseEnvFlags(envFlags)
			if err != nil {
				return err
			}

			creds, err := buildCredentialManager(cmd, credsFile, useAWS)
			if err != nil {
				return err
			}

			redactor := secrets.NewRedactor()
			sink, closeSink, err := buildSink(cmd, eventsURL)
			if err != nil {
				return err
			}
			defer closeSink()

			runner := step.NewExecRunner(workDir, redactor)
			runner.Output = redactor.Wrap(cmd.OutOrStdout())

			eng := engine.New(runner, creds, redactor, sink)
			res, err := eng.Run(cmd.Context(), p, engine.RunOptions{
				Env:         env,
				Timeout:     timeout,
				Parallelism: viper.GetInt("parallelism"),
			})
			if err != nil {
				return err
			}

			if res.Status != engine.StatusSucceeded {
				printFailure(cmd, res)
				return fmt.Errorf("pipeline %q failed", p.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&envFlags, "env", nil, "Pipeline variables (KEY=VALUE, repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Run-level timeout (e.g. 30m); 0 disables")
	cmd.Flags().StringVar(&workDir, "workdir", "", "Working directory for all steps (default: current directory)")
	cmd.Flags().StringVar(&credsFile, "credentials-file", "", "YAML file mapping credential ids to values")
	cmd.Flags().StringVar(&eventsURL, "events-url", "", "Websocket endpoint receiving engine events")
	cmd.Flags().BoolVar(&useAWS, "aws-secrets", false, "Resolve credentials from AWS Secrets Manager as a fallback")

	return cmd
}

func parseEnvFlags(flags []string) (map[string]string, error) {
	env := map[string]string{}
	for _, kv := range flags {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, errors.ValidationError(fmt.Sprintf("invalid --env value %q, expected KEY=VALUE", kv), nil)
		}
		env[k] = v
	}
	return env, nil
}

func buildCredentialManager(cmd *cobra.Command, credsFile string, useAWS bool) (*secrets.Manager, error) {
	m := secrets.DefaultManager()

	if credsFile != "" {
		data, err := os.ReadFile(credsFile)
		if err != nil {
			return nil, errors.ParseError(credsFile, err)
		}
		var creds map[string]*secrets.Credential
		if err := yaml.Unmarshal(data, &creds); err != nil {
			return nil, errors.ParseError(credsFile, err)
		}
		m.RegisterProvider(secrets.NewStaticProvider(creds))
		// Local credentials take precedence over ambient environment.
		m.SetPriority([]string{"static", "env"})
	}

	if useAWS {
		p, err := secrets.NewSecretsManagerProvider(cmd.Context())
		if err != nil {
			return nil, err
		}
		m.RegisterProvider(p)
	}

	return m, nil
}

func buildSink(cmd *cobra.Command, eventsURL string) (events.Sink, func(), error) {
	console := events.NewConsoleSink(cmd.OutOrStdout())
	if eventsURL == "" {
		return console, func() {}, nil
	}

	ws, err := events.NewWebsocketSink(eventsURL, cmd.ErrOrStderr())
	if err != nil {
		// Event emission is best-effort: a dead collector downgrades to
		// console-only output with a warning.
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		return console, func() {}, nil
	}
	return events.MultiSink{console, ws}, func() { _ = ws.Close() }, nil
}

func printFailure(cmd *cobra.Command, res *engine.Result) {
	stage, failingStep := res.FirstFailure()
	if stage == nil {
		return
	}

	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "\nFirst failing stage: %s\n", stage.Path)
	if stage.TimedOut {
		fmt.Fprintln(out, "Cause: run timed out")
	} else if stage.Err != nil {
		fmt.Fprintf(out, "Cause: %v\n", stage.Err)
	}
	if failingStep != nil && failingStep.Outcome != nil && failingStep.Outcome.Output != "" {
		fmt.Fprintf(out, "Output of %s:\n%s\n", failingStep.Name, failingStep.Outcome.Output)
	}
}
