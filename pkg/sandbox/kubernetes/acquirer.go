// Package kubernetes provides a sandbox Acquirer that provisions sandbox
// server pods through agent-sandbox SandboxClaim resources.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/rhuss/schaubild/pkg/sandbox"
)

var _ sandbox.Acquirer = (*ClaimAcquirer)(nil)

const (
	defaultPort         = 8080
	defaultPollInterval = 500 * time.Millisecond
	managedByLabel      = "app.kubernetes.io/managed-by"
	managedByValue      = "schaubild"
)

// Options configures a ClaimAcquirer.
type Options struct {
	// Template is the SandboxTemplate the claims reference.
	Template string
	// Namespace the claims are created in.
	Namespace string
	// Timeout bounds the wait for a claimed Sandbox to become ready.
	Timeout time.Duration
	// Port the sandbox server listens on. Defaults to 8080.
	Port int
	// PollInterval between readiness checks. Defaults to 500ms.
	PollInterval time.Duration
}

// ClaimAcquirer creates one SandboxClaim per execution, waits for the bound
// Sandbox to report Ready, and deletes the claim on release.
type ClaimAcquirer struct {
	client client.Client
	opts   Options
}

// NewClaimAcquirer creates a ClaimAcquirer.
func NewClaimAcquirer(c client.Client, opts Options) *ClaimAcquirer {
	if opts.Port == 0 {
		opts.Port = defaultPort
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	return &ClaimAcquirer{client: c, opts: opts}
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// Acquire claims a sandbox and returns its URL. The release function deletes
// the claim and is safe to call more than once.
func (a *ClaimAcquirer) Acquire(ctx context.Context) (string, func(), error) {
	claimName := generateClaimNameFn()

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      claimName,
			Namespace: a.opts.Namespace,
			Labels:    map[string]string{managedByLabel: managedByValue},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
				Name: a.opts.Template,
			},
		},
	}

	if err := a.client.Create(ctx, claim); err != nil {
		return "", nil, fmt.Errorf("create SandboxClaim %q: %w", claimName, err)
	}
	slog.Debug("created SandboxClaim", "name", claimName, "namespace", a.opts.Namespace, "template", a.opts.Template)

	fqdn, err := a.waitForReady(ctx, claimName)
	if err != nil {
		a.deleteClaim(claimName)
		return "", nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() { a.deleteClaim(claimName) })
	}

	url := fmt.Sprintf("http://%s:%d", fqdn, a.opts.Port)
	slog.Debug("sandbox acquired", "name", claimName, "url", url)
	return url, release, nil
}

// waitForReady polls the Sandbox named after the claim until its Ready
// condition is True and a service FQDN is published.
func (a *ClaimAcquirer) waitForReady(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	key := types.NamespacedName{Name: name, Namespace: a.opts.Namespace}
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return "", fmt.Errorf("timeout waiting for Sandbox %q to become ready (waited %s)", name, a.opts.Timeout)
			}
			return "", fmt.Errorf("waiting for Sandbox %q: %w", name, ctx.Err())
		case <-ticker.C:
			sb := &sandboxv1alpha1.Sandbox{}
			if err := a.client.Get(ctx, key, sb); err != nil {
				slog.Debug("waiting for Sandbox", "name", name, "error", err.Error())
				continue
			}
			if isReady(sb) && sb.Status.ServiceFQDN != "" {
				return sb.Status.ServiceFQDN, nil
			}
		}
	}
}

func isReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// deleteClaim runs detached from the request context so cancelled runs
// still release their pods.
func (a *ClaimAcquirer) deleteClaim(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: a.opts.Namespace},
	}
	if err := client.IgnoreNotFound(a.client.Delete(ctx, claim)); err != nil {
		slog.Warn("failed to delete SandboxClaim", "name", name, "namespace", a.opts.Namespace, "error", err.Error())
		return
	}
	slog.Debug("deleted SandboxClaim", "name", name, "namespace", a.opts.Namespace)
}

// generateClaimNameFn creates a unique, DNS-compatible claim name.
// Replaceable in tests for deterministic naming.
var generateClaimNameFn = func() string {
	return "schaubild-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
