// Command moor is the deployment orchestrator (spec.md §1): run from the
// operator's workstation, it reads a project file, computes a fingerprint
// per service, ships changed images to the target servers over SSH, and
// drives blue-green (or stop-start) deploys against each server's edge
// proxy. Subcommand wiring follows the teacher's cmd/yeet.go: a bare cobra
// root, explicit SilenceErrors/SilenceUsage, and a hidden joke command kept
// for the same reason the teacher keeps "skirt".
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/moorhq/moor/pkg/bluegreen"
	"github.com/moorhq/moor/pkg/clihandler"
	"github.com/moorhq/moor/pkg/cliprefs"
	"github.com/moorhq/moor/pkg/dockerengine"
	"github.com/moorhq/moor/pkg/fingerprint"
	"github.com/moorhq/moor/pkg/logx"
	"github.com/moorhq/moor/pkg/preflight"
	"github.com/moorhq/moor/pkg/projectcfg"
	"github.com/moorhq/moor/pkg/proxyclient"
	"github.com/moorhq/moor/pkg/reconcile"
	"github.com/moorhq/moor/pkg/release"
	"github.com/moorhq/moor/pkg/registryauth"
	"github.com/moorhq/moor/pkg/sshtransport"
	"github.com/moorhq/moor/pkg/transfer"
)

// proxyContainerName is the fixed name the edge proxy container runs under
// on every target server; moor-edge's own image is started under this name
// by server bootstrap, which spec.md §1 treats as an external collaborator.
const proxyContainerName = "moor-edge"

func main() {
	root := clihandler.NewRoot("moor", "Zero-downtime Docker deployment orchestrator")
	root.AddCommand(deployCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(proxyCmd())
	root.AddCommand(clihandler.WaveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func deployCmd() *cobra.Command {
	var file, secretsPath, keyFile string
	cmd := &cobra.Command{
		Use:   "deploy [service...]",
		Short: "Reconcile and deploy the named services (all, if none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := cliprefs.Load()
			if err != nil {
				return fmt.Errorf("load cli preferences: %w", err)
			}
			if keyFile == "" {
				keyFile = prefs.SSHKeyFile
			}
			if err := runDeploy(cmd.Context(), cmd.OutOrStdout(), file, secretsPath, keyFile, args); err != nil {
				return err
			}
			prefs.Set(&prefs.Project, file)
			prefs.Set(&prefs.SSHKeyFile, keyFile)
			if prefs.Changed() {
				return prefs.Save()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "moor.yaml", "project configuration file")
	cmd.Flags().StringVar(&secretsPath, "secrets", projectcfg.DefaultSecretsPath, "secrets file path")
	cmd.Flags().StringVar(&keyFile, "key", "", "SSH private key file (default: the last used key, then the project's ssh key_file, then ~/.ssh/id_ed25519 or id_rsa; a running ssh-agent is always tried as well)")
	return cmd
}

// runDeploy implements spec.md §4: load, reconcile, deploy or skip each
// targeted service, then garbage-collect orphans per server.
func runDeploy(ctx context.Context, out io.Writer, file, secretsPath, keyFile string, only []string) error {
	log := logx.New(logx.CLI)

	project, err := projectcfg.Load(file)
	if err != nil {
		return fmt.Errorf("load project file %s: %w", file, err)
	}
	if err := project.Validate(); err != nil {
		return fmt.Errorf("invalid project: %w", err)
	}

	secrets := map[string]string{}
	if _, statErr := os.Stat(secretsPath); statErr == nil {
		secrets, err = projectcfg.LoadSecrets(secretsPath)
		if err != nil {
			return fmt.Errorf("load secrets: %w", err)
		}
	} else if !os.IsNotExist(statErr) {
		return fmt.Errorf("stat secrets file: %w", statErr)
	}

	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		wanted[name] = true
	}

	rel := release.New(revision())

	byServer := map[string][]*projectcfg.Service{}
	desiredByServer := map[string]map[string]bool{}
	for _, svc := range project.Services {
		if desiredByServer[svc.Server] == nil {
			desiredByServer[svc.Server] = map[string]bool{}
		}
		desiredByServer[svc.Server][svc.Name] = true
		if len(wanted) > 0 && !wanted[svc.Name] {
			continue
		}
		byServer[svc.Server] = append(byServer[svc.Server], svc)
	}

	servers := make([]string, 0, len(byServer))
	for server := range byServer {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	for _, server := range servers {
		services := byServer[server]
		sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
		if err := deployToServer(ctx, log, out, project, server, services, secrets, keyFile, rel, desiredByServer[server]); err != nil {
			return fmt.Errorf("server %s: %w", server, err)
		}
	}
	return nil
}

func deployToServer(ctx context.Context, log *logx.Logger, out io.Writer, project *projectcfg.Project, server string, services []*projectcfg.Service, secrets map[string]string, keyFile string, rel release.Release, desiredServices map[string]bool) error {
	sshCfg := sshtransport.Config{
		Host:    server,
		Port:    project.SSH.PortOrDefault(),
		User:    project.SSH.UsernameOrDefault(),
		KeyFile: keyFile,
	}
	if sshCfg.KeyFile == "" {
		sshCfg.KeyFile = project.SSH.KeyFile
	}
	sess, err := sshtransport.Dial(sshCfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Close()

	remoteEngine, err := dockerengine.NewRemote(fmt.Sprintf("%s@%s:%d", sshCfg.User, server, sshCfg.Port))
	if err != nil {
		return fmt.Errorf("dial remote docker engine: %w", err)
	}
	defer remoteEngine.Close()

	networkName := project.NetworkName()
	result := preflight.Run(ctx, sess, remoteEngine, networkName)
	if !result.OK() {
		return fmt.Errorf("preflight failed: %v", result.Errors())
	}

	localEngine, err := dockerengine.New()
	if err != nil {
		return fmt.Errorf("dial local docker engine: %w", err)
	}
	defer localEngine.Close()

	proxy := proxyclient.New(sess, proxyContainerName)
	reconciler := &reconcile.Reconciler{Docker: remoteEngine, Proxy: proxy, Log: log}
	engine := &bluegreen.Engine{
		Docker:         remoteEngine,
		Exec:           sess,
		Proxy:          proxy,
		Log:            log,
		ProxyContainer: proxyContainerName,
	}

	for _, svc := range services {
		if err := deployOneService(ctx, log, out, localEngine, remoteEngine, sess, reconciler, engine, project, svc, secrets, rel); err != nil {
			clihandler.PrintFailed(out, svc.Name, err.Error())
		}
	}

	return reconciler.GC(ctx, project, desiredServices)
}

func deployOneService(ctx context.Context, log *logx.Logger, out io.Writer, localEngine, remoteEngine dockerengine.Engine, sess *sshtransport.Session, reconciler *reconcile.Reconciler, engine *bluegreen.Engine, project *projectcfg.Project, svc *projectcfg.Service, secrets map[string]string, rel release.Release) error {
	resolvedSecrets, err := projectcfg.ResolveSecretRefs(svc, secrets)
	if err != nil {
		return err
	}

	var imageRef string
	var fp fingerprint.Fingerprint

	if svc.IsBuilt() {
		imageRef = fmt.Sprintf("%s-%s:%s", project.Name, svc.Name, rel.Tag())
		if err := localBuild(ctx, svc, imageRef); err != nil {
			return fmt.Errorf("build: %w", err)
		}
		localHash, ok, err := localEngine.ImageDigest(ctx, imageRef)
		if err != nil {
			return fmt.Errorf("inspect built image: %w", err)
		}
		if !ok {
			return fmt.Errorf("built image %s not found after build", imageRef)
		}
		if err := transferBuiltImage(ctx, log, localEngine, sess, imageRef); err != nil {
			return fmt.Errorf("transfer image: %w", err)
		}
		serverHash, _, err := remoteEngine.ImageDigest(ctx, imageRef)
		if err != nil {
			return fmt.Errorf("inspect server image: %w", err)
		}
		fp = fingerprint.Built(svc, resolvedSecrets, digest.Digest(localHash), digest.Digest(serverHash))
	} else {
		imageRef = *svc.Image
		encodedAuth, err := resolveEncodedAuth(project)
		if err != nil {
			return fmt.Errorf("resolve registry credentials: %w", err)
		}
		if err := remoteEngine.PullImage(ctx, imageRef, encodedAuth); err != nil {
			return fmt.Errorf("pull %s on %s: %w", imageRef, svc.Server, err)
		}
		fp = fingerprint.External(svc, resolvedSecrets, imageRef)
	}

	decision, err := reconciler.Classify(ctx, project, svc, fp)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	if decision.Action == reconcile.Skip {
		clihandler.PrintSkipped(out, svc.Name, decision.Reason)
		return nil
	}

	env := mergeEnv(svc, resolvedSecrets)
	outcome, err := engine.Deploy(ctx, bluegreen.Input{
		Project:  project,
		Service:  svc,
		Desired:  fp,
		Env:      env,
		ImageRef: imageRef,
	})
	if err != nil {
		return err
	}
	switch outcome.Status {
	case bluegreen.Deployed:
		clihandler.PrintDeployed(out, svc.Name, fmt.Sprintf("color=%s release=%s", outcome.Color, rel))
	case bluegreen.Failed:
		clihandler.PrintFailed(out, svc.Name, outcome.Reason)
	}
	return nil
}

// resolveEncodedAuth resolves the operator's docker/cli credentials for
// project's registry reference (§3 "registry credentials reference") and
// encodes them the way the Engine API's X-Registry-Auth header expects. An
// anonymous pull (no stored credential) is not an error: it yields "".
func resolveEncodedAuth(project *projectcfg.Project) (string, error) {
	creds, err := registryauth.Resolve(project.Docker.Registry)
	if err != nil {
		return "", err
	}
	if creds.Empty() {
		return "", nil
	}
	return creds.EncodedAuth()
}

// localBuild shells out to the local container engine CLI, one of spec.md
// §1's fixed external-interface collaborators: moor does not reimplement an
// image builder.
func localBuild(ctx context.Context, svc *projectcfg.Service, tag string) error {
	args := []string{"build", "-t", tag}
	if svc.Build.Dockerfile != "" {
		args = append(args, "-f", filepath.Join(svc.Build.Context, svc.Build.Dockerfile))
	}
	args = append(args, svc.Build.Context)
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// transferBuiltImage drives pkg/transfer's save/compress/upload/load
// pipeline (spec.md §4.8), logging each progress tick as it arrives.
func transferBuiltImage(ctx context.Context, log *logx.Logger, localEngine dockerengine.Engine, sess *sshtransport.Session, imageRef string) error {
	progress := make(chan transfer.Progress, 4)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for p := range progress {
			log.Printf("%s", p)
		}
	}()

	remotePath := fmt.Sprintf("/tmp/%s.tar.gz", sanitizeTag(imageRef))
	err := transfer.Send(ctx, localEngine, imageRef, sess, remotePath, progress)
	close(progress)
	<-drained
	return err
}

func mergeEnv(svc *projectcfg.Service, resolvedSecrets map[string]string) []string {
	var env []string
	var plainKeys []string
	for k := range svc.Env.Plain {
		plainKeys = append(plainKeys, k)
	}
	sort.Strings(plainKeys)
	for _, k := range plainKeys {
		env = append(env, fmt.Sprintf("%s=%s", k, svc.Env.Plain[k]))
	}
	var secretKeys []string
	for k := range resolvedSecrets {
		secretKeys = append(secretKeys, k)
	}
	sort.Strings(secretKeys)
	for _, k := range secretKeys {
		env = append(env, fmt.Sprintf("%s=%s", k, resolvedSecrets[k]))
	}
	return env
}

func statusCmd() *cobra.Command {
	var file, keyFile string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print proxy route and certificate status for every server in the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectcfg.Load(file)
			if err != nil {
				return fmt.Errorf("load project file %s: %w", file, err)
			}
			servers := map[string]bool{}
			for _, svc := range project.Services {
				servers[svc.Server] = true
			}
			for server := range servers {
				sess, err := sshtransport.Dial(sshtransport.Config{
					Host:    server,
					Port:    project.SSH.PortOrDefault(),
					User:    project.SSH.UsernameOrDefault(),
					KeyFile: firstNonEmpty(keyFile, project.SSH.KeyFile),
				})
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", server, err)
					continue
				}
				client := proxyclient.New(sess, proxyContainerName)
				status, err := client.Status()
				sess.Close()
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", server, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "== %s ==\n", server)
				for _, r := range status.Routes {
					fmt.Fprintf(cmd.OutOrStdout(), "%-30s -> %-30s health=%-10s cert=%s\n", r.Host, r.Target, r.HealthStatus, r.CertState)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "moor.yaml", "project configuration file")
	cmd.Flags().StringVar(&keyFile, "key", "", "SSH private key file")
	return cmd
}

func proxyCmd() *cobra.Command {
	var file, keyFile string
	proxy := &cobra.Command{
		Use:   "proxy",
		Short: "Administer the edge proxy on a project's servers",
	}
	proxy.PersistentFlags().StringVarP(&file, "file", "f", "moor.yaml", "project configuration file")
	proxy.PersistentFlags().StringVar(&keyFile, "key", "", "SSH private key file")

	proxy.AddCommand(&cobra.Command{
		Use:   "cert-renew <server> <host>",
		Short: "Force a certificate renewal on one server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProxyClient(file, keyFile, args[0], func(c *proxyclient.Client) error {
				return c.RenewCert(args[1])
			})
		},
	})
	proxy.AddCommand(&cobra.Command{
		Use:   "staging <server> <true|false>",
		Short: "Toggle the ACME staging flag on one server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := args[1] == "true" || args[1] == "1"
			return withProxyClient(file, keyFile, args[0], func(c *proxyclient.Client) error {
				return c.SetStaging(enabled)
			})
		},
	})
	return proxy
}

func withProxyClient(file, keyFile, server string, fn func(*proxyclient.Client) error) error {
	project, err := projectcfg.Load(file)
	if err != nil {
		return fmt.Errorf("load project file %s: %w", file, err)
	}
	sess, err := sshtransport.Dial(sshtransport.Config{
		Host:    server,
		Port:    project.SSH.PortOrDefault(),
		User:    project.SSH.UsernameOrDefault(),
		KeyFile: firstNonEmpty(keyFile, project.SSH.KeyFile),
	})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", server, err)
	}
	defer sess.Close()
	return fn(proxyclient.New(sess, proxyContainerName))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// revision resolves the current source-control revision for release.New,
// falling back to "unknown" since VCS discovery belongs to the init/CLI
// layer spec.md §1 excludes from this component.
func revision() string {
	out, err := exec.Command("git", "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		return "unknown"
	}
	return trimNewline(string(out))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func sanitizeTag(ref string) string {
	out := make([]byte, 0, len(ref))
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		if c == '/' || c == ':' {
			c = '-'
		}
		out = append(out, c)
	}
	return string(out)
}
