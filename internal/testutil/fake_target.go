// Package testutil provides in-memory fakes of the source and target
// boundaries for tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/user/go-argo-reconciler/internal/resource"
	"github.com/user/go-argo-reconciler/internal/syncerr"
)

// Op names a Target method.
type Op string

const (
	OpGet             Op = "get"
	OpCreate          Op = "create"
	OpUpdate          Op = "update"
	OpDelete          Op = "delete"
	OpNamespaced      Op = "namespaced"
	OpEnsureNamespace Op = "ensureNamespace"
)

// Call is one recorded Target invocation.
type Call struct {
	Op  Op
	Key resource.Key
}

type failure struct {
	errs   []error
	always error
}

var clusterScoped = map[string]bool{
	"Namespace":                true,
	"ClusterRole":              true,
	"ClusterRoleBinding":       true,
	"CustomResourceDefinition": true,
	"PersistentVolume":         true,
	"StorageClass":             true,
}

// FakeTarget is an in-memory target environment. The zero value is not
// usable; call NewFakeTarget.
type FakeTarget struct {
	mu       sync.Mutex
	objects  map[resource.Key]*unstructured.Unstructured
	failures map[Call]*failure
	calls    []Call
	version  int

	// AfterCall runs after every successful call, outside the lock.
	AfterCall func(op Op, key resource.Key)
}

// NewFakeTarget returns an empty FakeTarget.
func NewFakeTarget() *FakeTarget {
	return &FakeTarget{
		objects:  make(map[resource.Key]*unstructured.Unstructured),
		failures: make(map[Call]*failure),
	}
}

// Seed stores resources as if they already existed in the target.
func (f *FakeTarget) Seed(resources ...resource.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range resources {
		f.store(r.Object.DeepCopy())
	}
}

// Mutate edits a stored object in place, simulating an out-of-band change.
func (f *FakeTarget) Mutate(key resource.Key, fn func(obj *unstructured.Unstructured)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.objects[key]; ok {
		fn(obj)
	}
}

// Remove deletes a stored object without recording a call.
func (f *FakeTarget) Remove(key resource.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
}

// Object returns a copy of the stored object, or nil.
func (f *FakeTarget) Object(key resource.Key) *unstructured.Unstructured {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.objects[key]; ok {
		return obj.DeepCopy()
	}
	return nil
}

// Len returns the number of stored objects.
func (f *FakeTarget) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// FailNext queues errors returned by the next calls of op on key, one per call.
func (f *FakeTarget) FailNext(op Op, key resource.Key, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl := f.failure(op, key)
	fl.errs = append(fl.errs, errs...)
}

// FailAlways makes every call of op on key return err.
func (f *FakeTarget) FailAlways(op Op, key resource.Key, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure(op, key).always = err
}

// Calls returns the recorded calls in order.
func (f *FakeTarget) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many times op was called.
func (f *FakeTarget) Count(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Writes returns the number of create, update and delete calls.
func (f *FakeTarget) Writes() int {
	return f.Count(OpCreate) + f.Count(OpUpdate) + f.Count(OpDelete)
}

// ResetCalls clears the call log.
func (f *FakeTarget) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *FakeTarget) Get(ctx context.Context, key resource.Key) (*resource.Resource, error) {
	if err := f.begin(ctx, OpGet, key); err != nil {
		return nil, err
	}
	f.mu.Lock()
	obj, ok := f.objects[key]
	var out *resource.Resource
	if ok {
		r := resource.New(obj.DeepCopy(), "")
		out = &r
	}
	f.mu.Unlock()
	f.after(OpGet, key)
	return out, nil
}

func (f *FakeTarget) Create(ctx context.Context, r resource.Resource) error {
	key := r.Key()
	if err := f.begin(ctx, OpCreate, key); err != nil {
		return err
	}
	f.mu.Lock()
	if _, exists := f.objects[key]; exists {
		f.mu.Unlock()
		return fmt.Errorf("%s already exists: %w", key, syncerr.ErrConflict)
	}
	f.store(r.Object.DeepCopy())
	f.mu.Unlock()
	f.after(OpCreate, key)
	return nil
}

func (f *FakeTarget) Update(ctx context.Context, r resource.Resource, patch []byte) error {
	key := r.Key()
	if err := f.begin(ctx, OpUpdate, key); err != nil {
		return err
	}
	f.mu.Lock()
	obj, ok := f.objects[key]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%s is gone: %w", key, syncerr.ErrConflict)
	}
	doc, err := json.Marshal(obj.Object)
	if err == nil {
		doc, err = jsonpatch.MergePatch(doc, patch)
	}
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("patch %s: %v: %w", key, err, syncerr.ErrValidation)
	}
	patched := &unstructured.Unstructured{}
	if err := patched.UnmarshalJSON(doc); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("patch %s: %v: %w", key, err, syncerr.ErrValidation)
	}
	f.store(patched)
	f.mu.Unlock()
	f.after(OpUpdate, key)
	return nil
}

func (f *FakeTarget) Delete(ctx context.Context, key resource.Key) error {
	if err := f.begin(ctx, OpDelete, key); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.objects, key)
	f.mu.Unlock()
	f.after(OpDelete, key)
	return nil
}

func (f *FakeTarget) Namespaced(ctx context.Context, gk schema.GroupKind) (bool, error) {
	if err := f.begin(ctx, OpNamespaced, resource.Key{Group: gk.Group, Kind: gk.Kind}); err != nil {
		return false, err
	}
	return !clusterScoped[gk.Kind], nil
}

func (f *FakeTarget) EnsureNamespace(ctx context.Context, namespace string) error {
	key := resource.Key{Kind: "Namespace", Name: namespace}
	if err := f.begin(ctx, OpEnsureNamespace, key); err != nil {
		return err
	}
	f.mu.Lock()
	if _, ok := f.objects[key]; !ok {
		ns := &unstructured.Unstructured{}
		ns.SetAPIVersion("v1")
		ns.SetKind("Namespace")
		ns.SetName(namespace)
		f.store(ns)
	}
	f.mu.Unlock()
	f.after(OpEnsureNamespace, key)
	return nil
}

func (f *FakeTarget) begin(ctx context.Context, op Op, key resource.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Key: key})
	if err := ctx.Err(); err != nil {
		return err
	}
	fl, ok := f.failures[Call{Op: op, Key: key}]
	if !ok {
		return nil
	}
	if len(fl.errs) > 0 {
		err := fl.errs[0]
		fl.errs = fl.errs[1:]
		return err
	}
	return fl.always
}

func (f *FakeTarget) after(op Op, key resource.Key) {
	if f.AfterCall != nil {
		f.AfterCall(op, key)
	}
}

func (f *FakeTarget) failure(op Op, key resource.Key) *failure {
	c := Call{Op: op, Key: key}
	fl, ok := f.failures[c]
	if !ok {
		fl = &failure{}
		f.failures[c] = fl
	}
	return fl
}

// store must be called with the lock held.
func (f *FakeTarget) store(obj *unstructured.Unstructured) {
	f.version++
	obj.SetResourceVersion(strconv.Itoa(f.version))
	r := resource.New(obj, "")
	f.objects[r.Key()] = obj
}
