package activation

import (
	"fmt"

	"github.com/mauriciomferz/transfer-activation/transfer"
)

// Type is the activation method a requirement belongs to. Types other than
// the constants below are kept verbatim.
type Type string

const (
	TypeDelegateProxy Type = "delegate_proxy"
	TypeMyProxy       Type = "myproxy"
)

// Requirement is one typed, named slot of the requirements document.
// Requirements are identified by (Type, Name).
type Requirement struct {
	Type  Type
	Name  string
	Value *string

	// raw is the entry in the negotiated document. Fields other than
	// type, name and value are submitted back as received.
	raw map[string]any
}

// SetValue stores v as the requirement's value.
func (r *Requirement) SetValue(v string) {
	r.Value = &v
}

// ValueString returns the value, or "" when none is set.
func (r *Requirement) ValueString() string {
	if r.Value == nil {
		return ""
	}
	return *r.Value
}

func (r *Requirement) String() string {
	return string(r.Type) + "." + r.Name
}

// RequirementSet is the ordered list of requirements of one negotiation.
// It is filled by a single Filler and discarded after submission.
type RequirementSet struct {
	doc  transfer.Document
	reqs []*Requirement
}

// NewRequirementSet builds a set that is not backed by a negotiated
// document, mostly for tests and offline use.
func NewRequirementSet(reqs ...Requirement) *RequirementSet {
	data := make([]any, 0, len(reqs))
	set := &RequirementSet{}
	for _, r := range reqs {
		raw := map[string]any{
			"DATA_TYPE": "activation_requirement",
			"type":      string(r.Type),
			"name":      r.Name,
		}
		req := &Requirement{Type: r.Type, Name: r.Name, raw: raw}
		if r.Value != nil {
			req.SetValue(*r.Value)
		}
		raw["value"] = nil
		data = append(data, raw)
		set.reqs = append(set.reqs, req)
	}
	set.doc = transfer.Document{
		"DATA_TYPE": "activation_requirements",
		"DATA":      data,
	}
	return set
}

// ParseRequirements reads a requirements document. The document is kept
// and becomes the body of the later submission.
func ParseRequirements(doc transfer.Document) (*RequirementSet, error) {
	rawData, ok := doc["DATA"]
	if !ok {
		return nil, fmt.Errorf("%w: requirements document has no DATA", transfer.ErrProtocol)
	}
	data, ok := rawData.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: requirements DATA is %T, not a list", transfer.ErrProtocol, rawData)
	}

	set := &RequirementSet{doc: doc, reqs: make([]*Requirement, 0, len(data))}
	for i, item := range data {
		raw, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: requirement %d is %T, not an object", transfer.ErrProtocol, i, item)
		}
		typ, ok := raw["type"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: requirement %d has no string type", transfer.ErrProtocol, i)
		}
		name, ok := raw["name"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: requirement %d has no string name", transfer.ErrProtocol, i)
		}
		req := &Requirement{Type: Type(typ), Name: name, raw: raw}
		switch v := raw["value"].(type) {
		case nil:
		case string:
			req.SetValue(v)
		default:
			return nil, fmt.Errorf("%w: requirement %s has a %T value", transfer.ErrProtocol, req, v)
		}
		set.reqs = append(set.reqs, req)
	}
	return set, nil
}

// All returns the requirements in document order.
func (s *RequirementSet) All() []*Requirement {
	return s.reqs
}

// Len returns the number of requirements.
func (s *RequirementSet) Len() int {
	return len(s.reqs)
}

// Find returns every requirement with the given type and name.
func (s *RequirementSet) Find(typ Type, name string) []*Requirement {
	var out []*Requirement
	for _, r := range s.reqs {
		if r.Type == typ && r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// Lookup returns the single requirement with the given type and name, nil
// if there is none, and ErrDuplicateRequirement if there are several.
func (s *RequirementSet) Lookup(typ Type, name string) (*Requirement, error) {
	found := s.Find(typ, name)
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%w: %d entries for %s.%s", ErrDuplicateRequirement, len(found), typ, name)
	}
}

// Has reports whether at least one requirement has the given type.
func (s *RequirementSet) Has(typ Type) bool {
	for _, r := range s.reqs {
		if r.Type == typ {
			return true
		}
	}
	return false
}

// Document returns the requirements document with current values written
// back into their entries. Entry order and unknown fields are preserved.
func (s *RequirementSet) Document() transfer.Document {
	for _, r := range s.reqs {
		if r.Value != nil {
			r.raw["value"] = *r.Value
		} else if _, had := r.raw["value"]; had {
			r.raw["value"] = nil
		}
	}
	return s.doc
}
