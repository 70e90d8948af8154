// Package resource holds the declarative object model shared by the manifest
// source, the target environment and the differ.
package resource

import (
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	// TrackingLabel is set on every object the reconciler applies. Its value
	// is the application name.
	TrackingLabel = "gitops-reconciler.io/application"
	// LastAppliedAnnotation holds the payload of the last applied desired
	// object as JSON. Fields present there but no longer desired are removed
	// from the live object.
	LastAppliedAnnotation = "gitops-reconciler.io/last-applied"
)

// Key identifies a resource across desired and observed state.
type Key struct {
	Group     string `json:"group,omitempty"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// GroupKind returns the key's API group and kind.
func (k Key) GroupKind() schema.GroupKind {
	return schema.GroupKind{Group: k.Group, Kind: k.Kind}
}

func (k Key) String() string {
	kind := k.Kind
	if k.Group != "" {
		kind = k.Kind + "." + k.Group
	}
	if k.Namespace == "" {
		return kind + "/" + k.Name
	}
	return kind + "/" + k.Namespace + "/" + k.Name
}

// Resource is a typed, named declarative object. Desired resources are parsed
// from manifests; observed resources are read from the target environment.
type Resource struct {
	Object *unstructured.Unstructured
	// File is the manifest the resource was declared in. Empty for observed resources.
	File string
}

// New wraps obj.
func New(obj *unstructured.Unstructured, file string) Resource {
	return Resource{Object: obj, File: file}
}

// Key returns the identity of the resource.
func (r Resource) Key() Key {
	gvk := r.Object.GroupVersionKind()
	return Key{
		Group:     gvk.Group,
		Kind:      gvk.Kind,
		Namespace: r.Object.GetNamespace(),
		Name:      r.Object.GetName(),
	}
}

// APIVersion returns the object's apiVersion.
func (r Resource) APIVersion() string {
	return r.Object.GetAPIVersion()
}

// GroupVersionKind returns the object's GVK.
func (r Resource) GroupVersionKind() schema.GroupVersionKind {
	return r.Object.GroupVersionKind()
}

// DeepCopy returns an independent copy.
func (r Resource) DeepCopy() Resource {
	return Resource{Object: r.Object.DeepCopy(), File: r.File}
}

// WithNamespace returns a copy of r placed in namespace ns.
func (r Resource) WithNamespace(ns string) Resource {
	c := r.DeepCopy()
	c.Object.SetNamespace(ns)
	return c
}

// WithLabel returns a copy of r carrying label key=value.
func (r Resource) WithLabel(key, value string) Resource {
	c := r.DeepCopy()
	labels := c.Object.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[key] = value
	c.Object.SetLabels(labels)
	return c
}

// Payload returns the part of the object that is compared between desired and
// observed state: everything except status and server-assigned metadata.
// Labels and annotations are kept since they are user-declared.
func (r Resource) Payload() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Object.Object))
	for k, v := range r.Object.Object {
		switch k {
		case "status", "metadata", "apiVersion", "kind":
			continue
		}
		out[k] = runtime.DeepCopyJSONValue(v)
	}

	meta := map[string]interface{}{}
	if labels, ok, _ := unstructured.NestedMap(r.Object.Object, "metadata", "labels"); ok && len(labels) > 0 {
		meta["labels"] = labels
	}
	if annotations, ok, _ := unstructured.NestedMap(r.Object.Object, "metadata", "annotations"); ok && len(annotations) > 0 {
		meta["annotations"] = annotations
	}
	if len(meta) > 0 {
		out["metadata"] = meta
	}
	return out
}

// Comparable returns the payload without the bookkeeping the reconciler adds
// to applied objects.
func (r Resource) Comparable() map[string]interface{} {
	return StripBookkeeping(r.Payload())
}

// StripBookkeeping removes the tracking label and the last-applied
// annotation from a payload, dropping metadata maps left empty.
func StripBookkeeping(payload map[string]interface{}) map[string]interface{} {
	meta, ok := payload["metadata"].(map[string]interface{})
	if !ok {
		return payload
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	trimmed := make(map[string]interface{}, len(meta))
	for field, drop := range map[string]string{"labels": TrackingLabel, "annotations": LastAppliedAnnotation} {
		m, ok := meta[field].(map[string]interface{})
		if !ok {
			continue
		}
		kept := make(map[string]interface{}, len(m))
		for k, v := range m {
			if k != drop {
				kept[k] = v
			}
		}
		if len(kept) > 0 {
			trimmed[field] = kept
		}
	}
	if len(trimmed) > 0 {
		out["metadata"] = trimmed
	} else {
		delete(out, "metadata")
	}
	return out
}

// WithLastApplied returns a copy of r carrying its own comparable payload in
// the last-applied annotation.
func (r Resource) WithLastApplied() (Resource, error) {
	data, err := json.Marshal(r.Comparable())
	if err != nil {
		return Resource{}, fmt.Errorf("failed to encode last applied state of %s: %w", r.Key(), err)
	}
	c := r.DeepCopy()
	annotations := c.Object.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[LastAppliedAnnotation] = string(data)
	c.Object.SetAnnotations(annotations)
	return c, nil
}

// LastApplied decodes the last-applied annotation. It returns nil when the
// annotation is absent or unreadable.
func (r Resource) LastApplied() map[string]interface{} {
	raw, ok := r.Object.GetAnnotations()[LastAppliedAnnotation]
	if !ok || raw == "" {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
