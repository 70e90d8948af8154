package testutil

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/user/go-argo-reconciler/internal/resource"
)

// FakeSource serves a fixed revision and resource set.
type FakeSource struct {
	mu        sync.Mutex
	revision  string
	resources []resource.Resource
	err       error
	fetches   int
}

// NewFakeSource returns a FakeSource serving resources at revision.
func NewFakeSource(revision string, resources ...resource.Resource) *FakeSource {
	return &FakeSource{revision: revision, resources: resources}
}

// Set replaces the served revision and resources.
func (s *FakeSource) Set(revision string, resources ...resource.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision = revision
	s.resources = resources
}

// SetError makes Poll and Fetch fail with err until cleared with nil.
func (s *FakeSource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Fetches returns how many times Fetch was called.
func (s *FakeSource) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *FakeSource) Poll(_ context.Context, _, lastRevision string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, "", s.err
	}
	return s.revision != lastRevision, s.revision, nil
}

func (s *FakeSource) Fetch(_ context.Context, _ string) (string, []resource.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return "", nil, s.err
	}
	out := make([]resource.Resource, len(s.resources))
	for i, r := range s.resources {
		out[i] = r.DeepCopy()
	}
	return s.revision, out, nil
}

// ConfigMap builds a ConfigMap resource. An empty namespace leaves it to be
// defaulted by the reconciler.
func ConfigMap(namespace, name string, data map[string]interface{}) resource.Resource {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata":   map[string]interface{}{"name": name},
	}}
	if namespace != "" {
		obj.SetNamespace(namespace)
	}
	if data != nil {
		obj.Object["data"] = data
	}
	return resource.New(obj, name+".yaml")
}

// Namespace builds a Namespace resource.
func Namespace(name string) resource.Resource {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata":   map[string]interface{}{"name": name},
	}}
	return resource.New(obj, name+".yaml")
}

// Deployment builds a single-container Deployment resource.
func Deployment(namespace, name, image string, replicas int64) resource.Resource {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]interface{}{"name": name},
		"spec": map[string]interface{}{
			"replicas": replicas,
			"template": map[string]interface{}{
				"spec": map[string]interface{}{
					"containers": []interface{}{
						map[string]interface{}{"name": name, "image": image},
					},
				},
			},
		},
	}}
	if namespace != "" {
		obj.SetNamespace(namespace)
	}
	return resource.New(obj, name+".yaml")
}
