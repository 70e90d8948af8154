package kubehandler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/user/go-argo-reconciler/internal/interfaces"
	"github.com/user/go-argo-reconciler/internal/resource"
	"github.com/user/go-argo-reconciler/internal/syncerr"
)

// FieldManager identifies this controller in managedFields.
const FieldManager = "go-argo-reconciler"

// KubeHandler provides methods to interact with a Kubernetes cluster.
type KubeHandler struct {
	clientset     kubernetes.Interface
	dynamicClient dynamic.Interface
	mapper        meta.RESTMapper
	logger        logrus.FieldLogger
}

var _ interfaces.Target = (*KubeHandler)(nil)

// NewKubeHandler creates a new KubeHandler instance.
// It initializes connections to the Kubernetes cluster.
// Priority:
// 1. kubeconfigContent (if provided)
// 2. kubeconfigPath (if provided)
// 3. In-cluster configuration
func NewKubeHandler(kubeconfigPath string, kubeconfigContent []byte, logger logrus.FieldLogger) (*KubeHandler, error) {
	var config *rest.Config
	var err error

	if len(kubeconfigContent) > 0 {
		logger.Debug("Using kubeconfig from provided content")
		config, err = clientcmd.RESTConfigFromKubeConfig(kubeconfigContent)
	} else if kubeconfigPath != "" {
		logger.Debugf("Using kubeconfig from path: %s", kubeconfigPath)
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		logger.Debug("Using in-cluster Kubernetes config")
		config, err = rest.InClusterConfig()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get Kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes clientset: %w", err)
	}

	dynamicClient, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes dynamic client: %w", err)
	}

	discoveryClient, err := discovery.NewDiscoveryClientForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes discovery client: %w", err)
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(discoveryClient))

	return NewKubeHandlerForClients(clientset, dynamicClient, mapper, logger), nil
}

// NewKubeHandlerForClients wires a KubeHandler from existing clients.
func NewKubeHandlerForClients(clientset kubernetes.Interface, dynamicClient dynamic.Interface, mapper meta.RESTMapper, logger logrus.FieldLogger) *KubeHandler {
	return &KubeHandler{
		clientset:     clientset,
		dynamicClient: dynamicClient,
		mapper:        mapper,
		logger:        logger,
	}
}

// Get returns the live object for key, or nil when it does not exist.
func (kh *KubeHandler) Get(ctx context.Context, key resource.Key) (*resource.Resource, error) {
	ri, err := kh.resourceInterface(key.GroupKind(), "", key.Namespace)
	if err != nil {
		return nil, classify("get", key, err)
	}
	obj, err := ri.Get(ctx, key.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get", key, err)
	}
	live := resource.New(obj, "")
	return &live, nil
}

// Create creates r.
func (kh *KubeHandler) Create(ctx context.Context, r resource.Resource) error {
	key := r.Key()
	gvk := r.GroupVersionKind()
	ri, err := kh.resourceInterface(gvk.GroupKind(), gvk.Version, key.Namespace)
	if err != nil {
		return classify("create", key, err)
	}
	kh.logger.WithField("resource", key.String()).Debug("Creating")
	_, err = ri.Create(ctx, r.Object, metav1.CreateOptions{FieldManager: FieldManager})
	return classify("create", key, err)
}

// Update applies a JSON merge patch to the live object of r.
func (kh *KubeHandler) Update(ctx context.Context, r resource.Resource, patch []byte) error {
	key := r.Key()
	gvk := r.GroupVersionKind()
	ri, err := kh.resourceInterface(gvk.GroupKind(), gvk.Version, key.Namespace)
	if err != nil {
		return classify("update", key, err)
	}
	kh.logger.WithField("resource", key.String()).Debugf("Patching: %s", patch)
	_, err = ri.Patch(ctx, key.Name, types.MergePatchType, patch, metav1.PatchOptions{FieldManager: FieldManager})
	return classify("update", key, err)
}

// Delete removes the object of key with foreground propagation. Deleting an
// absent object succeeds.
func (kh *KubeHandler) Delete(ctx context.Context, key resource.Key) error {
	ri, err := kh.resourceInterface(key.GroupKind(), "", key.Namespace)
	if err != nil {
		return classify("delete", key, err)
	}
	kh.logger.WithField("resource", key.String()).Debug("Deleting")
	err = ri.Delete(ctx, key.Name, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationForeground),
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return classify("delete", key, err)
}

// Namespaced reports whether gk is namespace scoped.
func (kh *KubeHandler) Namespaced(_ context.Context, gk schema.GroupKind) (bool, error) {
	mapping, err := kh.restMapping(gk, "")
	if err != nil {
		return false, classify("discover", resource.Key{Group: gk.Group, Kind: gk.Kind}, err)
	}
	return mapping.Scope.Name() == meta.RESTScopeNameNamespace, nil
}

// EnsureNamespace creates namespace unless it already exists.
func (kh *KubeHandler) EnsureNamespace(ctx context.Context, namespace string) error {
	key := resource.Key{Kind: "Namespace", Name: namespace}
	_, err := kh.clientset.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return classify("get", key, err)
	}

	kh.logger.Infof("Creating namespace %s", namespace)
	_, err = kh.clientset.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: namespace},
	}, metav1.CreateOptions{FieldManager: FieldManager})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return classify("create", key, err)
}

func (kh *KubeHandler) restMapping(gk schema.GroupKind, version string) (*meta.RESTMapping, error) {
	var versions []string
	if version != "" {
		versions = append(versions, version)
	}
	mapping, err := kh.mapper.RESTMapping(gk, versions...)
	if meta.IsNoMatchError(err) {
		// the kind may have been installed since discovery was cached
		if resettable, ok := kh.mapper.(meta.ResettableRESTMapper); ok {
			resettable.Reset()
			mapping, err = kh.mapper.RESTMapping(gk, versions...)
		}
	}
	return mapping, err
}

func (kh *KubeHandler) resourceInterface(gk schema.GroupKind, version, namespace string) (dynamic.ResourceInterface, error) {
	mapping, err := kh.restMapping(gk, version)
	if err != nil {
		return nil, err
	}
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		return kh.dynamicClient.Resource(mapping.Resource).Namespace(namespace), nil
	}
	return kh.dynamicClient.Resource(mapping.Resource), nil
}

// classify maps client errors onto the syncerr taxonomy.
func classify(op string, key resource.Key, err error) error {
	if err == nil {
		return nil
	}

	var category error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("failed to %s %s: %w", op, key, err)
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		category = syncerr.ErrPermissionDenied
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err), apierrors.IsNotFound(err):
		// a fresh read resolves all three
		category = syncerr.ErrConflict
	case apierrors.IsTooManyRequests(err):
		category = syncerr.ErrRateLimited
	case meta.IsNoMatchError(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsInternalError(err),
		apierrors.IsUnexpectedServerError(err),
		utilnet.IsConnectionRefused(err),
		utilnet.IsConnectionReset(err),
		utilnet.IsProbableEOF(err):
		category = syncerr.ErrTargetUnreachable
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err),
		apierrors.IsMethodNotSupported(err), apierrors.IsNotAcceptable(err),
		apierrors.IsUnsupportedMediaType(err), apierrors.IsRequestEntityTooLargeError(err):
		category = syncerr.ErrValidation
	default:
		var status apierrors.APIStatus
		if errors.As(err, &status) {
			category = syncerr.ErrValidation
		} else {
			category = syncerr.ErrTargetUnreachable
		}
	}
	return fmt.Errorf("failed to %s %s: %w", op, key, syncerr.Wrap(category, err))
}
