package interfaces

import (
	"context"
	"fmt"
	"regexp"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/user/go-argo-reconciler/internal/resource"
	"github.com/user/go-argo-reconciler/internal/syncerr"
)

// SourceRef points at the manifests of an application.
type SourceRef struct {
	RepoURL string `json:"repoURL"`
	// Path is the directory inside the repository holding the manifests.
	Path string `json:"path,omitempty"`
	// Revision is a branch, tag or commit hash. Empty means HEAD.
	Revision string `json:"revision,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// DestinationRef points at the target environment.
type DestinationRef struct {
	// Namespace is applied to namespaced resources that do not declare one.
	Namespace string `json:"namespace,omitempty"`
	// KubeConfig is the content of a kubeconfig file. Empty means in-cluster.
	KubeConfig string `json:"kubeConfig,omitempty"`
}

// SyncPolicy controls when and how an application is synced.
type SyncPolicy struct {
	// Automated syncs on every new revision.
	Automated bool `json:"automated"`
	// SelfHeal syncs on drift with no new revision. Requires Automated.
	SelfHeal bool `json:"selfHeal"`
	// Prune deletes resources that are no longer declared.
	Prune bool `json:"prune"`
	// CreateNamespace creates the destination namespace before applying.
	CreateNamespace bool `json:"createNamespace"`
}

// ManagedApplication is a registered application.
type ManagedApplication struct {
	Name                string         `json:"name"`
	Source              SourceRef      `json:"source"`
	Destination         DestinationRef `json:"destination"`
	SyncPolicy          SyncPolicy     `json:"syncPolicy"`
	PollIntervalSeconds int            `json:"pollIntervalSeconds,omitempty"`
}

var nameRE = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Validate checks the fields a registration must carry.
func (a ManagedApplication) Validate() error {
	switch {
	case !nameRE.MatchString(a.Name) || len(a.Name) > 63:
		return fmt.Errorf("%w: application name %q must be a DNS label", syncerr.ErrValidation, a.Name)
	case a.Source.RepoURL == "":
		return fmt.Errorf("%w: source.repoURL is required", syncerr.ErrValidation)
	case a.PollIntervalSeconds < 0:
		return fmt.Errorf("%w: pollIntervalSeconds must not be negative", syncerr.ErrValidation)
	case a.SyncPolicy.SelfHeal && !a.SyncPolicy.Automated:
		return fmt.Errorf("%w: selfHeal requires automated sync", syncerr.ErrValidation)
	}
	return nil
}

// Redacted returns a copy safe for logs and API responses.
func (a ManagedApplication) Redacted() ManagedApplication {
	out := a
	if out.Source.Password != "" {
		out.Source.Password = "********"
	}
	if out.Destination.KubeConfig != "" {
		out.Destination.KubeConfig = "********"
	}
	return out
}

// AppStatus is the reconciliation state persisted across passes.
type AppStatus struct {
	LastSyncedRevision string `json:"lastSyncedRevision,omitempty"`
	// Inventory lists the keys applied by the last pass in declaration order.
	Inventory []resource.Key `json:"inventory,omitempty"`
}

// ApplicationRecord is what DataStorage persists per application.
type ApplicationRecord struct {
	Application ManagedApplication `json:"application"`
	Status      AppStatus          `json:"status"`
	Suspended   bool               `json:"suspended,omitempty"`
}

// StateSource produces the desired state of an application.
type StateSource interface {
	// Poll resolves a branch, tag or commit to a commit hash and reports
	// whether it differs from lastRevision.
	Poll(ctx context.Context, revision, lastRevision string) (bool, string, error)
	// Fetch returns the resolved revision and the resources declared at it.
	Fetch(ctx context.Context, revision string) (string, []resource.Resource, error)
}

// Target is a handle to one target environment. Get returns nil and no
// error when the object is absent.
type Target interface {
	Get(ctx context.Context, key resource.Key) (*resource.Resource, error)
	Create(ctx context.Context, r resource.Resource) error
	// Update applies a JSON merge patch computed against the observed object.
	Update(ctx context.Context, r resource.Resource, patch []byte) error
	Delete(ctx context.Context, key resource.Key) error
	// Namespaced reports whether a kind is namespace scoped.
	Namespaced(ctx context.Context, gk schema.GroupKind) (bool, error)
	EnsureNamespace(ctx context.Context, namespace string) error
}

// DataStorage defines the interface for storing and retrieving applications.
type DataStorage interface {
	SaveApplication(rec ApplicationRecord) error
	LoadApplications() ([]ApplicationRecord, error)
	DeleteApplication(name string) error
}
