// Package differ computes the ordered set of operations that converge observed
// state toward desired state.
package differ

import (
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"k8s.io/apimachinery/pkg/api/equality"

	"github.com/user/go-argo-reconciler/internal/resource"
)

// Action is the operation a ResourceDiff calls for.
type Action string

const (
	Create    Action = "Create"
	Update    Action = "Update"
	Delete    Action = "Delete"
	Unchanged Action = "Unchanged"
)

// ResourceDiff is the delta for one key.
type ResourceDiff struct {
	Action Action
	Key    resource.Key
	// Desired is nil for Delete.
	Desired *resource.Resource
	// Observed is nil for Create.
	Observed *resource.Resource
	// Patch is a JSON merge patch from the observed payload to the desired
	// payload. Set for Update only.
	Patch []byte
}

func (d ResourceDiff) String() string {
	return fmt.Sprintf("%s %s", d.Action, d.Key)
}

// RankFunc returns the dependency rank of a resource. Lower ranks are applied
// first and deleted last. index is the declaration index of the resource in
// its manifest set (or in the prior inventory for resources being deleted).
type RankFunc func(key resource.Key, index int) int

// DeclarationOrder ranks resources by declaration order.
func DeclarationOrder(_ resource.Key, index int) int {
	return index
}

// kindOrder lists kinds that other resources commonly reference.
var kindOrder = map[string]int{
	"Namespace":                0,
	"CustomResourceDefinition": 1,
	"ServiceAccount":           2,
	"ClusterRole":              3,
	"ClusterRoleBinding":       4,
	"Role":                     5,
	"RoleBinding":              6,
	"Secret":                   7,
	"ConfigMap":                8,
	"PersistentVolume":         9,
	"PersistentVolumeClaim":    10,
	"Service":                  11,
}

const workloadRank = 12

// KindRank ranks resources by kind first (namespaces and CRDs before the
// objects that use them), then by declaration order.
func KindRank(key resource.Key, index int) int {
	rank, ok := kindOrder[key.Kind]
	if !ok {
		rank = workloadRank
	}
	// keeps declaration order stable inside a kind bucket
	return rank<<20 | index
}

// Options tunes a Diff call.
type Options struct {
	// Rank defaults to DeclarationOrder.
	Rank RankFunc
	// PriorOrder is the declaration order of the previously applied
	// inventory. It ranks observed resources that are no longer desired.
	PriorOrder []resource.Key
}

type ranked struct {
	diff  ResourceDiff
	rank  int
	index int
}

// Diff compares desired resources with the observed snapshot. Every key of
// desired and of observed appears in exactly one ResourceDiff. Creates,
// Updates and Unchanged entries come first in ascending rank; Deletes come
// last in descending rank so dependents are removed before their dependencies.
func Diff(desired []resource.Resource, observed map[resource.Key]*resource.Resource, opts Options) ([]ResourceDiff, error) {
	rank := opts.Rank
	if rank == nil {
		rank = DeclarationOrder
	}

	desiredKeys := make(map[resource.Key]struct{}, len(desired))
	applies := make([]ranked, 0, len(desired))
	for i := range desired {
		want := desired[i]
		key := want.Key()
		if _, dup := desiredKeys[key]; dup {
			return nil, fmt.Errorf("duplicate desired resource %s", key)
		}
		desiredKeys[key] = struct{}{}

		d, err := Compare(&want, observed[key])
		if err != nil {
			return nil, err
		}
		applies = append(applies, ranked{diff: d, rank: rank(key, i), index: i})
	}

	priorIndex := make(map[resource.Key]int, len(opts.PriorOrder))
	for i, key := range opts.PriorOrder {
		if _, ok := priorIndex[key]; !ok {
			priorIndex[key] = i
		}
	}

	deletes := make([]ranked, 0)
	for key, obs := range observed {
		if obs == nil {
			continue
		}
		if _, ok := desiredKeys[key]; ok {
			continue
		}
		idx, ok := priorIndex[key]
		if !ok {
			// unknown to the inventory: after every known resource
			idx = len(opts.PriorOrder)
		}
		deletes = append(deletes, ranked{
			diff:  ResourceDiff{Action: Delete, Key: key, Observed: obs},
			rank:  rank(key, idx),
			index: idx,
		})
	}

	sort.SliceStable(applies, func(i, j int) bool {
		if applies[i].rank != applies[j].rank {
			return applies[i].rank < applies[j].rank
		}
		return applies[i].index < applies[j].index
	})
	sort.Slice(deletes, func(i, j int) bool {
		if deletes[i].rank != deletes[j].rank {
			return deletes[i].rank > deletes[j].rank
		}
		if deletes[i].index != deletes[j].index {
			return deletes[i].index > deletes[j].index
		}
		return deletes[i].diff.Key.String() > deletes[j].diff.Key.String()
	})

	out := make([]ResourceDiff, 0, len(applies)+len(deletes))
	for _, r := range applies {
		out = append(out, r.diff)
	}
	for _, r := range deletes {
		out = append(out, r.diff)
	}
	return out, nil
}

// Compare diffs a single desired resource against its observed counterpart,
// which may be nil when absent from the target.
//
// Only fields present in desired or in the observed object's last-applied
// state are compared, so server defaults never count as drift while fields
// dropped from desired do. Owned maps are compared in full. The bookkeeping
// label and annotation never make a resource differ, but the patch of an
// Update carries them.
func Compare(desired, observed *resource.Resource) (ResourceDiff, error) {
	key := desired.Key()
	if observed == nil {
		return ResourceDiff{Action: Create, Key: key, Desired: desired}, nil
	}

	want := desired.Payload()
	have, _ := Project(observed.Payload(), union(want, observed.LastApplied())).(map[string]interface{})
	if equality.Semantic.DeepEqual(resource.StripBookkeeping(have), resource.StripBookkeeping(want)) {
		return ResourceDiff{Action: Unchanged, Key: key, Desired: desired, Observed: observed}, nil
	}

	patch, err := mergePatch(have, want)
	if err != nil {
		return ResourceDiff{}, fmt.Errorf("failed to compute patch for %s: %w", key, err)
	}
	return ResourceDiff{Action: Update, Key: key, Desired: desired, Observed: observed, Patch: patch}, nil
}

// ownedMaps are payload paths whose maps belong to the manifest as a whole.
// Keys found only on the live object are drift there.
var ownedMaps = [][]string{
	{"data"},
	{"binaryData"},
	{"spec", "nodeSelector"},
	{"spec", "template", "spec", "nodeSelector"},
}

func owned(path []string) bool {
	for _, p := range ownedMaps {
		if len(p) != len(path) {
			continue
		}
		match := true
		for i := range p {
			if p[i] != path[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Project restricts observed to the fields present in shape. Maps keep only
// shape keys, except owned maps which are kept whole; lists of equal length
// are projected element-wise; anything else is returned as observed.
func Project(observed, shape interface{}) interface{} {
	return project(observed, shape, nil)
}

func project(observed, shape interface{}, path []string) interface{} {
	switch want := shape.(type) {
	case map[string]interface{}:
		have, ok := observed.(map[string]interface{})
		if !ok {
			return observed
		}
		if owned(path) {
			return have
		}
		out := make(map[string]interface{}, len(want))
		for k, v := range want {
			if hv, ok := have[k]; ok {
				out[k] = project(hv, v, append(path[:len(path):len(path)], k))
			}
		}
		return out
	case []interface{}:
		have, ok := observed.([]interface{})
		if !ok || len(have) != len(want) {
			return observed
		}
		out := make([]interface{}, len(want))
		for i := range want {
			out[i] = project(have[i], want[i], append(path[:len(path):len(path)], "[]"))
		}
		return out
	default:
		return observed
	}
}

// union merges the field sets of a and b. Values of a win where both hold a
// non-map value at the same key.
func union(a, b interface{}) interface{} {
	switch am := a.(type) {
	case map[string]interface{}:
		bm, ok := b.(map[string]interface{})
		if !ok {
			return a
		}
		out := make(map[string]interface{}, len(am)+len(bm))
		for k, v := range bm {
			out[k] = v
		}
		for k, v := range am {
			if bv, ok := bm[k]; ok {
				out[k] = union(v, bv)
			} else {
				out[k] = v
			}
		}
		return out
	case []interface{}:
		bl, ok := b.([]interface{})
		if !ok || len(bl) != len(am) {
			return a
		}
		out := make([]interface{}, len(am))
		for i := range am {
			out[i] = union(am[i], bl[i])
		}
		return out
	case nil:
		return b
	default:
		return a
	}
}

func mergePatch(observed, desired interface{}) ([]byte, error) {
	original, err := json.Marshal(observed)
	if err != nil {
		return nil, err
	}
	modified, err := json.Marshal(desired)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(original, modified)
}
