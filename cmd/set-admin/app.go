package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	completameadmin "github.com/abel374/completaMeAdmin"
	"github.com/abel374/completaMeAdmin/credential"
	"github.com/abel374/completaMeAdmin/identity"
	"github.com/abel374/completaMeAdmin/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	appName   = "set-admin"
	envPrefix = "SET_ADMIN"
	usage     = "Usage: " + appName + " <UID> [path/to/service-account.json]"
)

// run executes the command and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)

	_, err := cmd.ExecuteContextC(ctx)
	if err == nil {
		return completameadmin.ExitOK
	}
	reportError(stderr, err)
	return completameadmin.ExitCode(err)
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   appName + " <UID> [path/to/service-account.json]",
		Short: "Set the admin custom claim on a Firebase Auth user",
		Long: `Sets the custom claim { admin: true } for the given UID and prints the
user's claims afterwards.

Without an explicit credential path the service-account key is searched at
` + strings.Join(credential.DefaultCandidates, ", ") + ` relative to the
working directory.`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var uid, saPath string
			if len(args) > 0 {
				uid = args[0]
			}
			if len(args) > 1 {
				saPath = args[1]
			}
			return grant(cmd.Context(), v, uid, saPath, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", completameadmin.ErrUsage, err)
	})

	flags := cmd.Flags()
	flags.String("project", "", "project id, overrides the one in the service account")
	flags.String("emulator-host", "", "Auth emulator host:port (env "+identity.EmulatorHostEnv+")")
	flags.String("endpoint", "", "Identity Toolkit base URL")
	flags.Bool("replace", false, "overwrite all custom claims instead of merging admin into them")
	flags.Duration("timeout", 0, "deadline for the whole run, 0 disables it")
	flags.BoolP("verbose", "v", false, "log progress to stderr")
	_ = flags.MarkHidden("endpoint")

	bindConfig(v, flags)
	return cmd
}

func bindConfig(v *viper.Viper, flags *pflag.FlagSet) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
	_ = v.BindEnv("emulator-host", envPrefix+"_EMULATOR_HOST", identity.EmulatorHostEnv)
}

func grant(ctx context.Context, v *viper.Viper, uid, saPath string, stdout, stderr io.Writer) error {
	if strings.TrimSpace(uid) == "" {
		return completameadmin.ErrMissingIdentifier
	}

	if d := v.GetDuration("timeout"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var lg logger.L = logger.NoOp
	if v.GetBool("verbose") {
		lg = logger.Writer(stderr)
	}

	svc, err := completameadmin.NewService(completameadmin.Opts{
		ProjectID:    v.GetString("project"),
		Endpoint:     v.GetString("endpoint"),
		EmulatorHost: v.GetString("emulator-host"),
		Replace:      v.GetBool("replace"),
		L:            lg,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := svc.Grant(ctx, uid, saPath)
	if res != nil && res.Written != nil {
		fmt.Fprintf(stdout, "Set custom claim { %s: true } for UID %s\n", completameadmin.AdminClaim, res.UID)
	}
	if err != nil {
		return err
	}

	claims, err := json.Marshal(res.User.CustomClaims)
	if err != nil {
		return fmt.Errorf("failed to marshal claims: %w", err)
	}
	fmt.Fprintf(stdout, "User claims after update: %s\n", claims)
	lg.Logf("[DEBUG] run %s finished in %s", res.RunID, time.Since(start).Round(time.Millisecond))
	return nil
}

func reportError(stderr io.Writer, err error) {
	var (
		notFound *credential.NotFoundError
		invalid  *credential.ParseError
		step     *completameadmin.StepError
	)
	switch {
	case errors.Is(err, completameadmin.ErrMissingIdentifier):
		fmt.Fprintln(stderr, usage)
	case errors.Is(err, completameadmin.ErrUsage):
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, usage)
	case errors.As(err, &notFound):
		if notFound.Explicit {
			fmt.Fprintf(stderr, "Service account JSON not found at %s\n", strings.Join(notFound.Tried, ", "))
		} else {
			fmt.Fprintf(stderr, "Service account JSON not found. Expected one of: %s\n", strings.Join(notFound.Tried, ", "))
		}
		fmt.Fprintf(stderr, "Or pass path as second argument: %s <UID> path/to/service-account.json\n", appName)
	case errors.As(err, &invalid):
		fmt.Fprintf(stderr, "Invalid service account JSON %s: %v\n", invalid.Path, invalid.Err)
	case errors.As(err, &step) && step.Step == completameadmin.StepReadBack:
		fmt.Fprintf(stderr, "Custom claim was set but reading it back failed: %v\n", step.Err)
	case errors.As(err, &step) && step.Step == completameadmin.StepMutate:
		fmt.Fprintf(stderr, "Error setting custom claim: %v\n", step.Err)
	case errors.As(err, &step):
		fmt.Fprintf(stderr, "Error initializing identity session: %v\n", step.Err)
	default:
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, usage)
	}
}
