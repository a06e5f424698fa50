/*Package serializer is the dual-representation boundary of the service.

The engine produces rows as mappings from column name to scalar value; this
package renders them as JSON or XML and parses request bodies of either
content type back into the same mapping shape. There is one internal row
representation and two renderer strategies, never two data paths.

The XML layout is fixed and mirrors the JSON layout: a root element
(<response>, or <error> for error bodies) wraps one nested element per key,
map keys render in sorted order, and list values repeat an <item> child per
entry. An empty list renders an empty items element, not an error.
*/
package serializer

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/hanzsales/salesapi/core"
)

// Encoding selects the output representation.
type Encoding string

// the supported representations
const (
	EncodingJSON Encoding = "json"
	EncodingXML  Encoding = "xml"
)

// ContentType returns the response content type for an encoding.
func (e Encoding) ContentType() string {
	if e == EncodingXML {
		return "application/xml; charset=utf-8"
	}
	return "application/json; charset=utf-8"
}

// FromRequest reads the format query parameter. Only "xml" selects XML;
// anything else, including absent or unrecognized values, falls open to
// JSON. Rejecting unknown formats would break lenient consumers.
func FromRequest(r *http.Request) Encoding {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "xml" {
		return EncodingXML
	}
	return EncodingJSON
}

// Render encodes a payload with the requested encoding. The payload is a
// row mapping, a wrapper object, or any nesting of maps, lists and scalars.
func Render(payload interface{}, encoding Encoding, root string) ([]byte, error) {
	if encoding == EncodingXML {
		return renderXML(payload, root)
	}
	return json.Marshal(payload)
}

// Write renders a payload in the encoding the request asked for and writes
// it with the given status code.
func Write(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	writeDocument(w, r, status, payload, "response")
}

// RenderError writes a classified error in the encoding the request asked
// for. JSON and XML error bodies share one schema: error kind, message,
// status and the optional offending columns.
func RenderError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	status := kind.HTTPStatus()
	message := err.Error()
	if kind == core.KindInternal {
		// backing store details stay in the log, not on the wire
		message = "internal server error"
	}
	payload := map[string]interface{}{
		"kind":   string(kind),
		"error":  message,
		"status": status,
	}
	if details := core.DetailsOf(err); len(details) > 0 {
		payload["details"] = details
	}
	writeDocument(w, r, status, payload, "error")
}

func writeDocument(w http.ResponseWriter, r *http.Request, status int, payload interface{}, root string) {
	encoding := FromRequest(r)
	data, err := Render(payload, encoding, root)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", encoding.ContentType())
	w.WriteHeader(status)
	w.Write(data)
}

// Parse reads a request body in the declared content type and returns the
// mapping shape the engine consumes, independent of which representation
// the response will use.
func Parse(body io.Reader, contentType string) (map[string]interface{}, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, core.NewError(core.KindValidation, "cannot read request body")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]interface{}{}, nil
	}
	if isXMLContentType(contentType) {
		decoded, err := Decode(data, EncodingXML)
		if err != nil {
			return nil, core.NewError(core.KindValidation, "malformed XML request body")
		}
		object, ok := decoded.(map[string]interface{})
		if !ok {
			return nil, core.NewError(core.KindValidation, "request body must be an XML object")
		}
		return object, nil
	}
	object := map[string]interface{}{}
	if err := json.Unmarshal(data, &object); err != nil {
		return nil, core.NewError(core.KindValidation, "malformed JSON request body")
	}
	return object, nil
}

func isXMLContentType(contentType string) bool {
	contentType = strings.ToLower(contentType)
	return strings.HasPrefix(contentType, "application/xml") || strings.HasPrefix(contentType, "text/xml")
}

// Decode parses a rendered document back into maps, lists and strings. XML
// has no native scalar types, so all XML leaf values decode as strings;
// JSON decodes to its native types.
func Decode(data []byte, encoding Encoding) (interface{}, error) {
	if encoding == EncodingJSON {
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	}
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		token, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := token.(xml.StartElement); ok {
			return decodeElement(decoder, start)
		}
	}
}

func decodeElement(decoder *xml.Decoder, start xml.StartElement) (interface{}, error) {
	children := map[string]interface{}{}
	var order []string
	text := ""
	for {
		token, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			child, err := decodeElement(decoder, t)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			if existing, ok := children[name]; ok {
				if list, isList := existing.([]interface{}); isList {
					children[name] = append(list, child)
				} else {
					children[name] = []interface{}{existing, child}
				}
			} else {
				children[name] = child
				order = append(order, name)
			}
		case xml.CharData:
			text += string(t)
		case xml.EndElement:
			if len(children) == 0 {
				return strings.TrimSpace(text), nil
			}
			// a pure sequence of <item> children is a list
			if len(order) == 1 && order[0] == "item" {
				if list, ok := children["item"].([]interface{}); ok {
					return list, nil
				}
				return []interface{}{children["item"]}, nil
			}
			return children, nil
		}
	}
}

func renderXML(payload interface{}, root string) ([]byte, error) {
	var buf bytes.Buffer
	encoder := xml.NewEncoder(&buf)
	if err := encodeValue(encoder, root, payload); err != nil {
		return nil, err
	}
	if err := encoder.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(encoder *xml.Encoder, name string, value interface{}) error {
	start := xml.StartElement{Name: xml.Name{Local: name}}
	switch v := value.(type) {
	case map[string]interface{}:
		if err := encoder.EncodeToken(start); err != nil {
			return err
		}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if err := encodeValue(encoder, key, v[key]); err != nil {
				return err
			}
		}
		return encoder.EncodeToken(start.End())
	case []map[string]interface{}:
		list := make([]interface{}, len(v))
		for i := range v {
			list[i] = v[i]
		}
		return encodeValue(encoder, name, list)
	case []interface{}:
		if err := encoder.EncodeToken(start); err != nil {
			return err
		}
		for _, item := range v {
			if err := encodeValue(encoder, "item", item); err != nil {
				return err
			}
		}
		return encoder.EncodeToken(start.End())
	case []string:
		list := make([]interface{}, len(v))
		for i := range v {
			list[i] = v[i]
		}
		return encodeValue(encoder, name, list)
	case nil:
		if err := encoder.EncodeToken(start); err != nil {
			return err
		}
		return encoder.EncodeToken(start.End())
	default:
		if err := encoder.EncodeToken(start); err != nil {
			return err
		}
		if err := encoder.EncodeToken(xml.CharData(scalarString(v))); err != nil {
			return err
		}
		return encoder.EncodeToken(start.End())
	}
}

func scalarString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// shortest round-trip representation, 12.5 not 12.500000
		data, _ := json.Marshal(s)
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
