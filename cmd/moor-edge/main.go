// Command moor-edge is the long-lived edge proxy daemon (spec.md §1): it
// terminates TLS, obtains and renews Let's Encrypt certificates, and steers
// traffic between blue/green container color groups on one server. It also
// carries a small embedded CLI ("moor-edge cli ...") for local ops
// convenience, talking to its own admin API the same way the teacher's
// embedded CLI talks to pkg/catch — never bypassing the admin API as its own
// separate code path, per spec.md §9's "exit-code-as-control-flow" design
// note.
package main

import (
	"bytes"
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

	"github.com/moorhq/moor/pkg/acmectl"
	"github.com/moorhq/moor/pkg/adminapi"
	"github.com/moorhq/moor/pkg/certstore"
	"github.com/moorhq/moor/pkg/clihandler"
	"github.com/moorhq/moor/pkg/healthmon"
	"github.com/moorhq/moor/pkg/logx"
	"github.com/moorhq/moor/pkg/proxystate"
	"github.com/moorhq/moor/pkg/routing"
)

// DefaultRoot is spec.md §6's on-disk root for the edge proxy's state.
const DefaultRoot = "/var/lib/moor-proxy"

func main() {
	root := clihandler.NewRoot("moor-edge", "Edge proxy: TLS termination, ACME, and blue/green traffic steering")
	root.PersistentFlags().String("root", DefaultRoot, "on-disk root for state.json, certs/, and acme/")

	root.AddCommand(runCmd())
	root.AddCommand(cliCmd())
	root.AddCommand(clihandler.WaveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var staging bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the edge proxy daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			return serve(cmd.Context(), root, staging)
		},
	}
	cmd.Flags().BoolVar(&staging, "staging", false, "use the Let's Encrypt staging directory on first boot")
	return cmd
}

// serve wires the dependency chain of spec.md §2 (state store -> ACME
// controller, health monitor -> routing + TLS -> admin API) and blocks until
// a termination signal arrives, then drains per spec.md §5.
func serve(ctx context.Context, root string, stagingDefault bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := proxystate.Open(filepath.Join(root, "state.json"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	if snap := store.Snapshot(); snap.ACMEAccountRef == "" {
		store.SetStaging(stagingDefault)
	}

	certs := certstore.New(root)
	store.SetAccountRef(certs.AccountRef())

	acmeLog := logx.New(logx.ACME)
	acme := acmectl.New(store, certs, acmeLog)

	healthLog := logx.New(logx.Health)
	health := healthmon.New(store, healthLog)

	proxyLog := logx.New(logx.Proxy)
	router := routing.New(store, certs, acme, proxyLog)

	admin := adminapi.New(store, certs, acme, proxyLog)

	go acme.Run(ctx)
	go health.Run(ctx)
	go func() {
		if err := admin.Run(ctx); err != nil {
			proxyLog.Error("admin api stopped: %v", err)
		}
	}()

	proxyLog.Printf("edge proxy starting, root=%s", root)
	return router.Run(ctx)
}

// cliCmd is the embedded local-ops CLI: thin wrappers over plain HTTP calls
// to the admin API on loopback, exactly the interface spec.md §4.6 defines
// and nothing more (no direct state-store access from the CLI process).
func cliCmd() *cobra.Command {
	cli := &cobra.Command{
		Use:   "cli",
		Short: "Local CLI for ops against the running edge proxy",
	}
	cli.PersistentFlags().String("addr", adminapi.DefaultAddr, "admin API address")

	cli.AddCommand(cliStatusCmd())
	cli.AddCommand(cliCertRenewCmd())
	cli.AddCommand(cliStagingCmd())
	return cli
}

func adminBaseURL(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("addr")
	return "http://" + addr
}

func cliStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Dump current routes and certificate state",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpGet(adminBaseURL(cmd) + "/api/status")
			if err != nil {
				return err
			}
			var status adminapi.StatusResponse
			if err := json.Unmarshal(resp, &status); err != nil {
				return fmt.Errorf("parse status response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staging: %v\n", status.Staging)
			for _, r := range status.Routes {
				fmt.Fprintf(cmd.OutOrStdout(), "%-30s -> %-30s health=%-10s cert=%s\n", r.Host, r.Target, r.HealthStatus, r.CertState)
			}
			return nil
		},
	}
}

func cliCertRenewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cert-renew <host>",
		Short: "Force a host's certificate into the renewing state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"host": args[0]})
			_, err := httpPost(adminBaseURL(cmd)+"/api/cert/renew", body)
			return err
		},
	}
}

func cliStagingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "staging <true|false>",
		Short: "Toggle the global ACME staging flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := args[0] == "true" || args[0] == "1"
			body, _ := json.Marshal(map[string]bool{"staging": enabled})
			_, err := httpPost(adminBaseURL(cmd)+"/api/staging", body)
			return err
		},
	}
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func httpGet(url string) ([]byte, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	return readOKBody(resp)
}

func httpPost(url string, body []byte) ([]byte, error) {
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	return readOKBody(resp)
}

func readOKBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("admin api returned %s: %s", resp.Status, buf.String())
	}
	return buf.Bytes(), nil
}
