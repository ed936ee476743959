package apitest

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
)

func wantsXML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "xml")
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// writeDoc renders doc as JSON or, if the client asked for it, XML.
func writeDoc(w http.ResponseWriter, r *http.Request, status int, doc map[string]any) {
	if wantsXML(r) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		root, _ := doc["DATA_TYPE"].(string)
		if root == "" {
			root = "result"
		}
		enc := xml.NewEncoder(w)
		encodeXML(enc, root, doc)
		enc.Flush()
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(doc)
}

// writeError renders a Transfer API error document. errorCode is also sent
// in the X-Transfer-API-Error header.
func writeError(w http.ResponseWriter, r *http.Request, status int, errorCode, code, message string) {
	w.Header().Set("X-Transfer-API-Error", errorCode)
	writeDoc(w, r, status, map[string]any{
		"DATA_TYPE":  "error",
		"request_id": requestID(r),
		"resource":   r.URL.EscapedPath(),
		"code":       code,
		"message":    message,
	})
}

func encodeXML(enc *xml.Encoder, name string, v any) {
	start := xml.StartElement{Name: xml.Name{Local: name}}
	switch val := v.(type) {
	case nil:
		start.Attr = []xml.Attr{{Name: xml.Name{Local: "nil"}, Value: "true"}}
		enc.EncodeToken(start)
		enc.EncodeToken(start.End())
	case map[string]any:
		enc.EncodeToken(start)
		keys := make([]string, 0, len(val))
		for k := range val {
			if k != "DATA_TYPE" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			encodeXML(enc, k, val[k])
		}
		enc.EncodeToken(start.End())
	case []any:
		enc.EncodeToken(start)
		for _, item := range val {
			itemName := "item"
			if m, ok := item.(map[string]any); ok {
				if dt, ok := m["DATA_TYPE"].(string); ok && dt != "" {
					itemName = dt
				}
			}
			encodeXML(enc, itemName, item)
		}
		enc.EncodeToken(start.End())
	default:
		enc.EncodeElement(val, start)
	}
}
