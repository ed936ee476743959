package activation

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mauriciomferz/transfer-activation/transfer"
)

func strPtr(s string) *string { return &s }

func TestParseRequirements(t *testing.T) {
	doc := transfer.Document{
		"DATA_TYPE":  "activation_requirements",
		"expires_in": float64(0),
		"DATA": []any{
			map[string]any{"DATA_TYPE": "activation_requirement", "type": "delegate_proxy", "name": "public_key", "value": "PUBKEY", "ui_name": "Public Key"},
			map[string]any{"type": "delegate_proxy", "name": "proxy_chain", "value": nil},
			map[string]any{"type": "myproxy", "name": "hostname"},
		},
	}

	set, err := ParseRequirements(doc)
	if err != nil {
		t.Fatalf("ParseRequirements() error = %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("expected 3 requirements, got %d", set.Len())
	}

	all := set.All()
	if all[0].Type != TypeDelegateProxy || all[0].Name != "public_key" || all[0].ValueString() != "PUBKEY" {
		t.Errorf("unexpected first requirement %+v", all[0])
	}
	if all[1].Value != nil || all[2].Value != nil {
		t.Error("null and absent values should parse as nil")
	}
	if !set.Has(TypeMyProxy) || set.Has("other") {
		t.Error("Has() reports wrong types")
	}
}

func TestParseRequirementsShapeErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  transfer.Document
	}{
		{"no DATA", transfer.Document{"DATA_TYPE": "activation_requirements"}},
		{"DATA not a list", transfer.Document{"DATA": "nope"}},
		{"entry not an object", transfer.Document{"DATA": []any{"nope"}}},
		{"missing type", transfer.Document{"DATA": []any{map[string]any{"name": "public_key"}}}},
		{"missing name", transfer.Document{"DATA": []any{map[string]any{"type": "myproxy"}}}},
		{"numeric value", transfer.Document{"DATA": []any{map[string]any{"type": "myproxy", "name": "x", "value": 3.0}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequirements(tt.doc)
			if !errors.Is(err, transfer.ErrProtocol) {
				t.Errorf("expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestDocumentPreservesOrderAndUnknownFields(t *testing.T) {
	doc := transfer.Document{
		"DATA_TYPE": "activation_requirements",
		"length":    float64(3),
		"DATA": []any{
			map[string]any{"type": "myproxy", "name": "hostname", "value": nil, "private": false},
			map[string]any{"type": "other", "name": "x", "value": "keep", "ui_name": "X"},
			map[string]any{"type": "myproxy", "name": "username"},
		},
	}
	set, err := ParseRequirements(doc)
	if err != nil {
		t.Fatalf("ParseRequirements() error = %v", err)
	}
	set.Find(TypeMyProxy, "hostname")[0].SetValue("h")
	set.Find(TypeMyProxy, "username")[0].SetValue("u")

	want := transfer.Document{
		"DATA_TYPE": "activation_requirements",
		"length":    float64(3),
		"DATA": []any{
			map[string]any{"type": "myproxy", "name": "hostname", "value": "h", "private": false},
			map[string]any{"type": "other", "name": "x", "value": "keep", "ui_name": "X"},
			map[string]any{"type": "myproxy", "name": "username", "value": "u"},
		},
	}
	if got := set.Document(); !reflect.DeepEqual(got, want) {
		t.Errorf("Document() = %#v\nwant %#v", got, want)
	}
}

func TestLookupDuplicates(t *testing.T) {
	set := NewRequirementSet(
		Requirement{Type: TypeMyProxy, Name: "hostname"},
		Requirement{Type: TypeMyProxy, Name: "hostname"},
	)

	_, err := set.Lookup(TypeMyProxy, "hostname")
	if !errors.Is(err, ErrDuplicateRequirement) || !errors.Is(err, transfer.ErrProtocol) {
		t.Errorf("expected ErrDuplicateRequirement, got %v", err)
	}

	req, err := set.Lookup(TypeMyProxy, "username")
	if req != nil || err != nil {
		t.Errorf("Lookup() of absent requirement = %v, %v", req, err)
	}
}

func TestNewRequirementSetDocument(t *testing.T) {
	set := NewRequirementSet(
		Requirement{Type: TypeDelegateProxy, Name: "public_key", Value: strPtr("PUBKEY")},
		Requirement{Type: TypeDelegateProxy, Name: "proxy_chain"},
	)
	doc := set.Document()

	if doc.String("DATA_TYPE") != "activation_requirements" {
		t.Errorf("unexpected DATA_TYPE %q", doc.String("DATA_TYPE"))
	}
	data := doc["DATA"].([]any)
	first := data[0].(map[string]any)
	second := data[1].(map[string]any)
	if first["value"] != "PUBKEY" {
		t.Errorf("unexpected public_key value %v", first["value"])
	}
	if v, ok := second["value"]; !ok || v != nil {
		t.Errorf("proxy_chain value should be null, got %v", v)
	}
}
