// Command policy-server evaluates Kubernetes admission requests against
// WebAssembly policies. It wires together every internal package: the
// policies.yaml config, the Module Store, the wazero-backed Precompiled
// Policy Table, the Evaluation Environment, the Worker Pool, the HTTP
// shim, the TLS watcher, and the host-capability task that answers guest
// callbacks over the shared callback.Bus.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tetratelabs/wazero"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kubewarden/policy-server/internal/callback"
	"github.com/kubewarden/policy-server/internal/callback/handlers"
	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/engine"
	"github.com/kubewarden/policy-server/internal/evaluation"
	"github.com/kubewarden/policy-server/internal/policy"
	"github.com/kubewarden/policy-server/internal/server"
	"github.com/kubewarden/policy-server/internal/store"
	"github.com/kubewarden/policy-server/internal/telemetry"
	"github.com/kubewarden/policy-server/internal/tlsconfig"
	"github.com/kubewarden/policy-server/internal/worker"
)

func main() {
	root := config.NewCommand(run)
	root.AddCommand(newScaffoldCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFmt)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	definitions, groups, err := config.LoadPolicies(cfg.PoliciesFile)
	if err != nil {
		return fmt.Errorf("loading %s: %w", cfg.PoliciesFile, err)
	}

	if cfg.VerificationPath != "" {
		verification, err := config.LoadVerificationConfig(cfg.VerificationPath)
		if err != nil {
			return err
		}
		if err := verifyModules(ctx, definitions, verification, logger); err != nil {
			return err
		}
	}

	moduleStore := store.New(cfg.PoliciesDownloadDir)
	resolve := func(ref policy.ModuleRef) (string, error) {
		return moduleStore.EnsureLocal(ctx, ref)
	}

	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)
	table := engine.NewTable(runtime)
	defer table.Close(ctx)

	bus := callback.NewBus(cfg.Workers)

	kubeClient, err := buildKubernetesClient()
	if err != nil {
		if !cfg.IgnoreKubernetesConnectionFailure {
			return fmt.Errorf("building Kubernetes client: %w", err)
		}
		logger.Warn("continuing without a Kubernetes client", "error", err)
	}

	hostServer := handlers.Server{
		Kubernetes: kubeClient,
		Sigstore:   handlers.SigstoreVerifier{FetchSignatureLayers: handlers.FetchSignatureLayersFromRegistry},
		Logger:     logger,
	}
	go hostServer.Run(ctx, bus)

	env, err := evaluation.EnvironmentBuilder{
		Runtime:               runtime,
		Table:                 table,
		Bus:                   bus,
		Logger:                logger,
		Fetch:                 evaluation.ReadFile(resolve),
		ContinueOnError:       cfg.ContinueOnErrors,
		AlwaysAcceptNamespace: cfg.AlwaysAcceptAdmissionReviewsOnNamespace,
		Policies:              definitions,
		Groups:                groups,
	}.Build(ctx)
	if err != nil {
		return fmt.Errorf("building evaluation environment: %w", err)
	}
	defer env.Close(context.Background())

	for _, initErr := range env.Errors() {
		logger.Error("policy failed to initialize", "policy_id", initErr.PolicyID.String(), "error", initErr.Err)
	}

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.EnableMetrics {
		if cfg.LogFmt == "otlp" {
			m, shutdown, err := telemetry.NewOTLP(ctx, cfg.OTLPEndpoint)
			if err != nil {
				return fmt.Errorf("configuring OTLP metrics: %w", err)
			}
			defer shutdown(context.Background())
			metrics = m
		} else {
			m, provider, err := telemetry.NewPrometheus()
			if err != nil {
				return fmt.Errorf("configuring Prometheus metrics: %w", err)
			}
			defer provider.Shutdown(context.Background())
			metrics = m
			metricsHandler = promhttp.Handler()
		}

		shutdownTracing, err := telemetry.NewTracerProvider(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("configuring tracing: %w", err)
		}
		defer shutdownTracing(context.Background())
	}

	pool := worker.NewPool(env, metrics, logger, cfg.Workers)
	go pool.Run(ctx)

	mux := server.New(server.Dependencies{Environment: env, Pool: pool, Logger: logger}, metricsHandler)
	mainListener := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Address, cfg.Port), Handler: mux}

	readinessMux := server.NewReadinessServer()
	if cfg.EnablePprof {
		readinessMux.HandleFunc("GET /debug/pprof/", pprof.Index)
		readinessMux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
		readinessMux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
	}
	readinessListener := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Address, cfg.ReadinessPort), Handler: readinessMux}

	if cfg.CertFile != "" {
		watcher, err := tlsconfig.New(cfg.CertFile, cfg.KeyFile, cfg.ClientCAFiles, logger)
		if err != nil {
			return fmt.Errorf("configuring TLS: %w", err)
		}
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		go watcher.Run(stopWatch)
		mainListener.TLSConfig = &tls.Config{GetConfigForClient: watcher.GetConfigForClient}
	}

	errs := make(chan error, 2)
	go func() {
		if mainListener.TLSConfig != nil {
			errs <- mainListener.ListenAndServeTLS("", "")
		} else {
			errs <- mainListener.ListenAndServe()
		}
	}()
	go func() { errs <- readinessListener.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mainListener.Shutdown(shutdownCtx)
		_ = readinessListener.Shutdown(shutdownCtx)
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// verifyModules checks every registry-hosted policy in definitions against
// its configured Sigstore requirement before bootstrap proceeds, mirroring
// the original's fetch-time verification gate (verify/mod.rs's
// verify_local_checksum/verify_public_key runs before the module is ever
// handed to wasmtime).
func verifyModules(ctx context.Context, definitions []policy.Definition, verification map[string]store.Config, logger *slog.Logger) error {
	verifier := handlers.SigstoreVerifier{FetchSignatureLayers: handlers.FetchSignatureLayersFromRegistry}
	for _, def := range definitions {
		cfg, ok := verification[def.Module.String()]
		if !ok {
			continue
		}

		var pubKeys []string
		if cfg.AnyOf != nil {
			for _, s := range cfg.AnyOf.Signatures {
				if s.PubKey != "" {
					pubKeys = append(pubKeys, s.PubKey)
				}
			}
		}
		for _, s := range cfg.AllOf {
			if s.PubKey != "" {
				pubKeys = append(pubKeys, s.PubKey)
			}
		}

		observed, err := verifier.VerifyPubKeys(ctx, def.Module.String(), pubKeys)
		if err != nil {
			return fmt.Errorf("verifying %s: %w", def.ID, err)
		}
		if trusted, reason := store.Satisfy(cfg, observed); !trusted {
			return fmt.Errorf("verifying %s: %s", def.ID, reason)
		}
		logger.Info("policy signature verified", "policy_id", def.ID.String())
	}
	return nil
}

func buildKubernetesClient() (handlers.KubernetesClient, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return handlers.KubernetesClient{}, err
		}
	}

	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return handlers.KubernetesClient{}, err
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return handlers.KubernetesClient{}, err
	}
	discoveryClient, err := discovery.NewDiscoveryClientForConfig(restConfig)
	if err != nil {
		return handlers.KubernetesClient{}, err
	}
	groupResources, err := restmapper.GetAPIGroupResources(discoveryClient)
	if err != nil {
		return handlers.KubernetesClient{}, err
	}

	return handlers.KubernetesClient{
		Dynamic:    dynamicClient,
		Clientset:  clientset,
		RESTMapper: restmapper.NewDiscoveryRESTMapper(groupResources),
	}, nil
}
