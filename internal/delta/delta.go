// Package delta implements the hook pipeline's mutation payload (spec
// §4.5): a JSON Patch document applied atomically by the engine between a
// task's PRE and POST hook passes. Validation follows the teacher's
// PatchValidator shape (per-operation structural checks plus a bound on
// total patch size), adapted into the bounded-complexity ingress guard
// spec §4.5 requires (FM-HOOK-010: delta match explosion).
package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/knhk/engine/internal/engineerr"
)

// Op is a single JSON Patch operation, kept as a typed mirror of the
// teacher's map[string]interface{} shape so validation doesn't need type
// assertions at every step.
type Op struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Delta is an ordered sequence of patch operations plus the bookkeeping
// the hook pipeline needs to chain it into a receipt.
type Delta struct {
	TaskID     string `json:"task_id"`
	WorkItemID string `json:"work_item_id"`
	Ops        []Op   `json:"ops"`
}

var validOps = map[string]bool{
	"add": true, "remove": true, "replace": true, "move": true, "copy": true, "test": true,
}

// Validate checks the structural invariants of every operation and the
// patch's total size, the bounded-complexity ingress guard of spec §4.5
// (default max_delta_size = 64 operations, FM-HOOK-010).
func (d *Delta) Validate(maxSize int) error {
	if len(d.Ops) == 0 {
		return engineerr.New(engineerr.ValidationFailure, d.WorkItemID, "delta has no operations")
	}
	if maxSize > 0 && len(d.Ops) > maxSize {
		return engineerr.New(engineerr.ValidationFailure, d.WorkItemID,
			fmt.Sprintf("delta exceeds max_delta_size: %d > %d", len(d.Ops), maxSize))
	}
	for i, op := range d.Ops {
		if err := validateOp(op, i); err != nil {
			return engineerr.Wrap(engineerr.ValidationFailure, d.WorkItemID, err)
		}
	}
	return nil
}

func validateOp(op Op, index int) error {
	if !validOps[op.Op] {
		return fmt.Errorf("operation %d: unsupported op %q", index, op.Op)
	}
	if op.Path == "" {
		return fmt.Errorf("operation %d: missing path", index)
	}
	switch op.Op {
	case "add", "replace", "test":
		if len(op.Value) == 0 {
			return fmt.Errorf("operation %d: 'value' required for %s", index, op.Op)
		}
	case "move", "copy":
		if op.From == "" {
			return fmt.Errorf("operation %d: 'from' required for %s", index, op.Op)
		}
	}
	return nil
}

// Encode renders the delta as canonical JSON Patch bytes: operations in
// the order given, fields emitted in a fixed key order, so two deltas with
// identical content always hash identically (spec §4.6's receipt chain
// requires a canonical encoding).
func (d *Delta) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, op := range d.Ops {
		if i > 0 {
			buf.WriteByte(',')
		}
		enc, err := encodeOp(op)
		if err != nil {
			return nil, err
		}
		buf.Write(enc)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func encodeOp(op Op) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"op":`)
	opJSON, err := json.Marshal(op.Op)
	if err != nil {
		return nil, err
	}
	buf.Write(opJSON)

	buf.WriteString(`,"path":`)
	pathJSON, err := json.Marshal(op.Path)
	if err != nil {
		return nil, err
	}
	buf.Write(pathJSON)

	if op.From != "" {
		buf.WriteString(`,"from":`)
		fromJSON, err := json.Marshal(op.From)
		if err != nil {
			return nil, err
		}
		buf.Write(fromJSON)
	}
	if len(op.Value) > 0 {
		canon, err := canonicalizeJSON(op.Value)
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"value":`)
		buf.Write(canon)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// canonicalizeJSON re-marshals arbitrary JSON with map keys sorted, so
// object field order never perturbs the receipt hash.
func canonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return marshalCanonical(v)
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kJSON, _ := json.Marshal(k)
			buf.Write(kJSON)
			buf.WriteByte(':')
			vJSON, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vJSON)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			eJSON, err := marshalCanonical(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eJSON)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(val)
	}
}

// Apply applies the delta's operations atomically to doc using
// evanphx/json-patch, returning the mutated document. A malformed or
// inapplicable patch fails the whole delta rather than applying a prefix.
func (d *Delta) Apply(doc []byte) ([]byte, error) {
	raw, err := d.Encode()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ValidationFailure, d.WorkItemID, err)
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ValidationFailure, d.WorkItemID, err)
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.TaskFailure, d.WorkItemID, err)
	}
	return out, nil
}
