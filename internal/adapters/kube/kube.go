// Package kube drives a workload on Kubernetes: a Deployment is the workload,
// Gateway API HTTPRoute rules are the routing rules and EndpointSlices report
// target health.
package kube

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
)

// Config configures the backend.
type Config struct {
	// Kubeconfig is a kubeconfig path; empty uses the in-cluster or default config.
	Kubeconfig string
	// Namespace is used for targets given without one.
	Namespace string
	// FallbackService is the Service the fallback handler is exposed through.
	FallbackService ServiceRef
}

// ServiceRef names a Service port.
type ServiceRef struct {
	Name string
	Port int32
}

// Backend implements core.WorkloadController and core.Router.
type Backend struct {
	client    client.Client
	namespace string
	fallback  ServiceRef
	clock     clock.PassiveClock
	log       *logging.Logger
}

// NewScheme returns a scheme with the core and Gateway API types registered.
func NewScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(gatewayv1.AddToScheme(scheme))
	return scheme
}

// New connects to the cluster described by cfg.
func New(cfg Config, logger *logging.Logger) (*Backend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctrllog.SetLogger(logr.FromSlogHandler(logger.WithComponent("controller-runtime").Handler()))

	restCfg, err := ctrl.GetConfig()
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	}
	if err != nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "loading kubeconfig").WithCause(err)
	}

	c, err := client.New(restCfg, client.Options{Scheme: NewScheme()})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return NewWithClient(c, cfg, clock.RealClock{}, logger), nil
}

// NewWithClient creates a backend on an existing client.
func NewWithClient(c client.Client, cfg Config, clk clock.PassiveClock, logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.NewNop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &Backend{
		client:    c,
		namespace: ns,
		fallback:  cfg.FallbackService,
		clock:     clk,
		log:       logger.WithComponent("kubernetes"),
	}
}

// objectKey parses "namespace/name" or a bare name in the default namespace.
func (b *Backend) objectKey(id string) (types.NamespacedName, error) {
	ns, name, found := strings.Cut(id, "/")
	if !found {
		ns, name = b.namespace, id
	}
	if ns == "" || name == "" || strings.Contains(name, "/") {
		return types.NamespacedName{}, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("invalid object reference %q", id))
	}
	return types.NamespacedName{Namespace: ns, Name: name}, nil
}
