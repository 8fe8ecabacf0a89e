package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Config is everything the process needs once flags are parsed and
// policies.yaml is loaded: the CLI surface's resolved values plus the two
// slices LoadPolicies produced. Grounded on policy-server's config.rs
// Config struct; pool_size/policies_download_dir/etc. keep the same names
// in spirit, translated to Go's idiom of one flat struct built from parsed
// flags rather than clap's ArgMatches indirection.
type Config struct {
	Address string
	Port    int

	ReadinessPort int

	PoliciesFile        string
	PoliciesDownloadDir string

	Workers                  int
	PolicyTimeoutSeconds     uint64
	DisableTimeoutProtection bool

	AlwaysAcceptAdmissionReviewsOnNamespace string
	IgnoreKubernetesConnectionFailure      bool

	EnableMetrics bool
	OTLPEndpoint  string

	SigstoreCacheDir string
	VerificationPath string
	ContinueOnErrors bool

	LogLevel   string
	LogFmt     string
	LogNoColor bool

	CertFile      string
	KeyFile       string
	ClientCAFiles []string

	EnablePprof bool
}

// SupportedLogLevels mirrors audit-scanner/cmd/logging.go's level set.
func SupportedLogLevels() []string {
	return []string{"debug", "info", "warning", "error"}
}

// SupportedLogFormats is the "--log-fmt" enum: "otlp" additionally switches
// the metrics/trace exporters to OTLP/gRPC instead of the Prometheus puller.
func SupportedLogFormats() []string {
	return []string{"text", "json", "otlp"}
}

// NewCommand builds the root cobra command. run receives the fully parsed
// Config; it is the caller's job (cmd/policy-server/main.go) to load
// policies.yaml, build the evaluation environment and start serving.
// Modeled on audit-scanner/cmd/root.go's RunE + Flags().*Var pattern, with
// the server started by the root command itself rather than by a run
// subcommand (cmd/policy-server separately attaches a scaffold subcommand).
func NewCommand(run func(Config) error) *cobra.Command {
	cfg := Config{}

	cmd := &cobra.Command{
		Use:   "policy-server",
		Short: "Kubewarden policy server: evaluates Kubernetes admission requests against WebAssembly policies",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := validate(cfg); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	flags := cmd.Flags()
	flags.StringVar(&cfg.Address, "address", "0.0.0.0", "bind address of the main listener")
	flags.IntVar(&cfg.Port, "port", 3000, "bind port of the main listener")
	flags.IntVar(&cfg.ReadinessPort, "readiness-port", 3001, "bind port of the plain-HTTP readiness listener")

	flags.StringVar(&cfg.PoliciesFile, "policies", "policies.yaml", "path to the policies.yaml file")
	flags.StringVar(&cfg.PoliciesDownloadDir, "policies-download-dir", ".", "directory where downloaded policies are cached")

	flags.IntVar(&cfg.Workers, "workers", runtime.NumCPU(), "number of worker threads; defaults to the number of CPUs")
	flags.Uint64Var(&cfg.PolicyTimeoutSeconds, "policy-timeout", 10, "policy evaluation timeout in seconds; parsed but not applied: policy evaluations run without a deadline")
	flags.BoolVar(&cfg.DisableTimeoutProtection, "disable-timeout-protection", false, "parsed but has no effect: policy evaluations run without a deadline")

	flags.StringVar(&cfg.AlwaysAcceptAdmissionReviewsOnNamespace, "always-accept-admission-reviews-on-namespace", "", "always accept admission reviews for this namespace")
	flags.BoolVar(&cfg.IgnoreKubernetesConnectionFailure, "ignore-kubernetes-connection-failure", false, "do not abort startup when the in-cluster Kubernetes client cannot be built")

	flags.BoolVar(&cfg.EnableMetrics, "enable-metrics", false, "enable metrics collection")
	flags.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", "localhost:4317", "OTLP/gRPC collector endpoint, used when --log-fmt=otlp")

	flags.StringVar(&cfg.SigstoreCacheDir, "sigstore-cache-dir", ".", "directory where Sigstore's Rekor/Fulcio trust data is cached")
	flags.StringVar(&cfg.VerificationPath, "verification-path", "", "path to the Sigstore verification config file")
	flags.BoolVar(&cfg.ContinueOnErrors, "continue-on-errors", false, "keep running when a policy fails to initialize, instead of aborting")

	flags.StringVar(&cfg.LogLevel, "log-level", "info", fmt.Sprintf("log level, one of %v", SupportedLogLevels()))
	flags.StringVar(&cfg.LogFmt, "log-fmt", "text", fmt.Sprintf("log format, one of %v", SupportedLogFormats()))
	flags.BoolVar(&cfg.LogNoColor, "log-no-color", false, "disable colored output in text log format")

	flags.StringVar(&cfg.CertFile, "cert-file", "", "TLS certificate file; when set, the main listener serves TLS")
	flags.StringVar(&cfg.KeyFile, "key-file", "", "TLS private key file")
	flags.StringArrayVar(&cfg.ClientCAFiles, "client-ca-file", nil, "client CA certificate file, enables mTLS; can be repeated")

	flags.BoolVar(&cfg.EnablePprof, "enable-pprof", false, "expose net/http/pprof profiling endpoints on the readiness listener")

	return cmd
}

func validate(cfg Config) error {
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return fmt.Errorf("either both --cert-file and --key-file must be set, or neither")
	}

	validLevel := false
	for _, l := range SupportedLogLevels() {
		if cfg.LogLevel == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("invalid --log-level %q, must be one of %v", cfg.LogLevel, SupportedLogLevels())
	}

	validFmt := false
	for _, f := range SupportedLogFormats() {
		if cfg.LogFmt == f {
			validFmt = true
			break
		}
	}
	if !validFmt {
		return fmt.Errorf("invalid --log-fmt %q, must be one of %v", cfg.LogFmt, SupportedLogFormats())
	}

	return nil
}
