package replica

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Leaf is one scalar or array value in a flattened record.
type Leaf struct {
	Path  Path
	Value []byte
}

// Flatten encodes v as JSON and splits objects into per-field leaves. Arrays,
// scalars and null are leaves; empty objects produce no leaves. Keys of the
// returned map are relative path keys.
func Flatten(v any) (map[string]Leaf, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}

	leaves := make(map[string]Leaf)
	if err := flattenInto(leaves, Path{}, tree); err != nil {
		return nil, err
	}
	return leaves, nil
}

func flattenInto(leaves map[string]Leaf, path Path, node any) error {
	if obj, ok := node.(map[string]any); ok {
		for k, child := range obj {
			if err := flattenInto(leaves, path.Child(k), child); err != nil {
				return err
			}
		}
		return nil
	}

	value, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encoding leaf %s: %w", path, err)
	}
	leaves[path.Key()] = Leaf{Path: path, Value: value}
	return nil
}

// Unflatten rebuilds a JSON object from relative leaves and decodes it into out.
// When a path is both a leaf and the parent of other leaves, the children win.
func Unflatten(leaves map[string]Leaf, out any) error {
	root := make(map[string]any)
	for _, leaf := range leaves {
		if len(leaf.Path) == 0 {
			continue
		}
		node := root
		for _, seg := range leaf.Path[:len(leaf.Path)-1] {
			next, ok := node[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[seg] = next
			}
			node = next
		}
		last := leaf.Path[len(leaf.Path)-1]
		if _, isObject := node[last].(map[string]any); isObject {
			continue
		}
		node[last] = json.RawMessage(leaf.Value)
	}

	raw, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
