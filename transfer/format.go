package transfer

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Document is a decoded response body. JSON objects map to Document, arrays
// to []any, and scalars to their Go equivalents.
type Document map[string]any

// String returns the string stored under key, or "" if it is absent or not a
// string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// ErrorFields are the details a Format extracts from an error body.
type ErrorFields struct {
	RequestID string
	Resource  string
	Code      string
	Message   string
}

// Format decodes response bodies of one media type. The client picks a
// Format at construction time; request bodies are always sent as JSON.
type Format interface {
	Name() string
	MediaType() string
	ParseBody(data []byte) (Document, error)
	ParseError(data []byte) (ErrorFields, error)
}

// JSON is the default response format.
var JSON Format = jsonFormat{}

// XML decodes the Transfer API's XML representation into the same Document
// shape the JSON format produces.
var XML Format = xmlFormat{}

// FormatByName maps "json" or "xml" to a Format.
func FormatByName(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "xml":
		return XML, nil
	default:
		return nil, fmt.Errorf("unknown response format %q", name)
	}
}

type jsonFormat struct{}

func (jsonFormat) Name() string      { return "json" }
func (jsonFormat) MediaType() string { return "application/json" }

func (jsonFormat) ParseBody(data []byte) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("response body is not a JSON object")
	}
	return doc, nil
}

func (f jsonFormat) ParseError(data []byte) (ErrorFields, error) {
	doc, err := f.ParseBody(data)
	if err != nil {
		return ErrorFields{}, err
	}
	return errorFieldsFrom(doc)
}

type xmlFormat struct{}

func (xmlFormat) Name() string      { return "xml" }
func (xmlFormat) MediaType() string { return "application/xml" }

func (xmlFormat) ParseBody(data []byte) (Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("response body has no root element")
			}
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			v, err := decodeXMLElement(dec, start)
			if err != nil {
				return nil, err
			}
			m, ok := v.(map[string]any)
			if !ok {
				m = map[string]any{"value": v}
			}
			doc := Document(m)
			if _, set := doc["DATA_TYPE"]; !set {
				doc["DATA_TYPE"] = start.Name.Local
			}
			return doc, nil
		}
	}
}

func (f xmlFormat) ParseError(data []byte) (ErrorFields, error) {
	doc, err := f.ParseBody(data)
	if err != nil {
		return ErrorFields{}, err
	}
	return errorFieldsFrom(doc)
}

// decodeXMLElement turns an element into a string (leaf), a map (children
// with distinct names) or a []any. Children of an element named
// DATA, and children whose name repeats, are collected as lists. Leaf text
// is kept byte for byte; PEM values depend on their trailing newline.
// Character data between the children of a container is dropped.
func decodeXMLElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	var (
		text     strings.Builder
		children []xml.StartElement
		values   []any
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := decodeXMLElement(dec, t)
			if err != nil {
				return nil, err
			}
			children = append(children, t)
			values = append(values, v)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(children) == 0 {
				if isXMLNil(start) {
					return nil, nil
				}
				if start.Name.Local == "DATA" {
					return []any{}, nil
				}
				return text.String(), nil
			}
			return foldXMLChildren(start.Name.Local, children, values), nil
		}
	}
}

func foldXMLChildren(parent string, children []xml.StartElement, values []any) any {
	counts := make(map[string]int, len(children))
	for _, c := range children {
		counts[c.Name.Local]++
	}
	if parent == "DATA" || (len(counts) == 1 && len(children) > 1) {
		return values
	}
	doc := make(map[string]any, len(children))
	for i, c := range children {
		name := c.Name.Local
		if counts[name] > 1 {
			list, _ := doc[name].([]any)
			doc[name] = append(list, values[i])
			continue
		}
		doc[name] = values[i]
	}
	return doc
}

func isXMLNil(start xml.StartElement) bool {
	for _, a := range start.Attr {
		if a.Name.Local == "nil" && a.Value == "true" {
			return true
		}
	}
	return false
}

func errorFieldsFrom(doc Document) (ErrorFields, error) {
	if inner, ok := doc["error"].(map[string]any); ok {
		doc = Document(inner)
	}
	fields := ErrorFields{
		RequestID: doc.String("request_id"),
		Resource:  doc.String("resource"),
		Code:      doc.String("code"),
		Message:   doc.String("message"),
	}
	var missing []string
	for _, k := range []string{"request_id", "resource", "code", "message"} {
		if _, ok := doc[k].(string); !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fields, fmt.Errorf("error document missing %s", strings.Join(missing, ", "))
	}
	return fields, nil
}
