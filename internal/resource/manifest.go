package resource

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"

	"github.com/user/go-argo-reconciler/internal/syncerr"
)

// ParseManifest splits a multi-document YAML (or JSON) manifest into
// resources, in document order. Empty and comment-only documents are skipped.
// Objects of kind List are expanded into their items.
func ParseManifest(file string, content []byte) ([]Resource, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(content)))

	var resources []Resource
	for doc := 1; ; doc++ {
		raw, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, syncerr.NewParseError(file, "document %d: %v", doc, err)
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		jsonData, err := yaml.YAMLToJSON(raw)
		if err != nil {
			return nil, syncerr.NewParseError(file, "document %d: YAML to JSON conversion failed: %v", doc, err)
		}
		trimmed := bytes.TrimSpace(jsonData)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}

		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(jsonData); err != nil {
			return nil, syncerr.NewParseError(file, "document %d: %v", doc, err)
		}

		if obj.IsList() {
			list, err := obj.ToList()
			if err != nil {
				return nil, syncerr.NewParseError(file, "document %d: %v", doc, err)
			}
			for i := range list.Items {
				item := list.Items[i]
				if err := validate(&item); err != nil {
					return nil, syncerr.NewParseError(file, "document %d item %d: %v", doc, i+1, err)
				}
				resources = append(resources, New(&item, file))
			}
			continue
		}

		if err := validate(obj); err != nil {
			return nil, syncerr.NewParseError(file, "document %d: %v", doc, err)
		}
		resources = append(resources, New(obj, file))
	}
	return resources, nil
}

func validate(obj *unstructured.Unstructured) error {
	switch {
	case obj.GetAPIVersion() == "":
		return errors.New("missing apiVersion")
	case obj.GetKind() == "":
		return errors.New("missing kind")
	case obj.GetName() == "":
		if obj.GetGenerateName() != "" {
			return errors.New("generateName is not supported, set metadata.name")
		}
		return errors.New("missing metadata.name")
	}
	return nil
}

// CheckDuplicates returns a ParseError naming the second declaration of any
// key that appears more than once.
func CheckDuplicates(resources []Resource) error {
	seen := make(map[Key]string, len(resources))
	for _, r := range resources {
		key := r.Key()
		if first, ok := seen[key]; ok {
			return syncerr.NewParseError(r.File, "duplicate resource %s (first declared in %s)", key, first)
		}
		seen[key] = r.File
	}
	return nil
}
