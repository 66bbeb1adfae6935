package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://localhost:8080"

var errUsage = errors.New("usage error")

func main() {
	exitFn(run(os.Args[1:], os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// run executes the CLI and maps the outcome to an exit code: 0 success,
// 1 failure, 2 usage.
func run(args []string, stdout io.Writer, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(context.Background()); err != nil {
		if err != errUsage {
			fmt.Fprintln(stderr, err.Error())
		}
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

type remoteOptions struct {
	addr    string
	token   string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &remoteOptions{}

	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Sentinel CLI",
		Long:  "Operator tooling for the sentinel gateway: health, journal, decision id verification and incident export.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return errUsage
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	root.PersistentFlags().StringVar(&opts.addr, "addr", envOrDefault("SENTINEL_ADDR", defaultAddr), "Sentinel API address")
	root.PersistentFlags().StringVar(&opts.token, "token", envOrDefault("SENTINEL_TOKEN", os.Getenv("SENTINEL_DEV_TOKEN")), "bearer token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newHealthCommand(opts),
		newDecisionsCommand(opts),
		newVerifyCommand(opts),
		newExportCommand(opts),
		newPolicyCommand(),
	)
	return root
}

// statusError carries a non-200 API response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.Status, e.Body)
}

func (o *remoteOptions) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := strings.TrimRight(o.addr, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	body, status, err := httpGet(ctx, http.DefaultClient, endpoint, o.token)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &statusError{Status: status, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func httpGet(ctx context.Context, client *http.Client, endpoint string, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// exactArgs is cobra.ExactArgs with the usage exit code.
func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: %s requires %s", errUsage, cmd.CommandPath(), usage)
		}
		return nil
	}
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}
