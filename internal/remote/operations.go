package remote

import (
	"fmt"
	"sort"
	"strings"
)

// Op names one remote operation.
type Op string

const (
	OpUpload       Op = "upload"
	OpCheck        Op = "check"
	OpDeliveryTest Op = "delivery_test"
	OpReserve      Op = "reserve"
)

// Attribute is a task-derived value that can be sent as a form field.
type Attribute string

const (
	AttrLoginID           Attribute = "login_id"
	AttrPassword          Attribute = "password"
	AttrCSVFileID         Attribute = "csvfile_id"
	AttrDraftID           Attribute = "draft_id"
	AttrTitle             Attribute = "title"
	AttrFromAddress       Attribute = "from_address"
	AttrTestAddress       Attribute = "test_address"
	AttrTestSubjectPrefix Attribute = "test_subject_prefix"
	AttrPostUseUTF8       Attribute = "post_use_utf8"
	AttrListUseUTF8       Attribute = "list_use_utf8"
	AttrBookYear          Attribute = "book_year"
	AttrBookMonth         Attribute = "book_month"
	AttrBookDay           Attribute = "book_day"
	AttrBookHour          Attribute = "book_hour"
	AttrBookMin           Attribute = "book_min"
)

// Field maps a form key to the attribute that supplies its value.
// Fields whose value is empty are left out of the request.
type Field struct {
	Key  string
	Attr Attribute
}

// Operation describes one endpoint of the API. Protocol revisions that rename or add
// fields are expressed by editing this table (or overriding keys from config).
type Operation struct {
	Op        Op
	Path      string
	Fields    []Field
	FileField string // multipart file part; empty means urlencoded
	Polling   bool   // not-ready markers apply
}

var credentialFields = []Field{
	{Key: "login_id", Attr: AttrLoginID},
	{Key: "password", Attr: AttrPassword},
}

// DefaultOperations is the current revision of the API.
func DefaultOperations() map[Op]Operation {
	return map[Op]Operation{
		OpUpload: {
			Op:   OpUpload,
			Path: "remote/upload.php",
			Fields: withCredentials(
				Field{Key: "id", Attr: AttrCSVFileID},
				Field{Key: "title", Attr: AttrTitle},
				Field{Key: "post_use_utf8", Attr: AttrPostUseUTF8},
				Field{Key: "list_use_utf8", Attr: AttrListUseUTF8},
			),
			FileField: "FILE",
		},
		OpCheck: {
			Op:      OpCheck,
			Path:    "remote/csvfile_list.php",
			Fields:  withCredentials(Field{Key: "id", Attr: AttrCSVFileID}),
			Polling: true,
		},
		OpDeliveryTest: {
			Op:   OpDeliveryTest,
			Path: "remote/delivery_test.php",
			Fields: withCredentials(
				Field{Key: "id", Attr: AttrDraftID},
				Field{Key: "test_address", Attr: AttrTestAddress},
				Field{Key: "test_subject_prefix", Attr: AttrTestSubjectPrefix},
				Field{Key: "post_use_utf8", Attr: AttrPostUseUTF8},
			),
		},
		OpReserve: {
			Op:   OpReserve,
			Path: "remote/article.php",
			Fields: withCredentials(
				Field{Key: "id", Attr: AttrDraftID},
				Field{Key: "csvfile_id", Attr: AttrCSVFileID},
				Field{Key: "from_address", Attr: AttrFromAddress},
				Field{Key: "title", Attr: AttrTitle},
				Field{Key: "post_use_utf8", Attr: AttrPostUseUTF8},
				Field{Key: "book_year", Attr: AttrBookYear},
				Field{Key: "book_month", Attr: AttrBookMonth},
				Field{Key: "book_day", Attr: AttrBookDay},
				Field{Key: "book_hour", Attr: AttrBookHour},
				Field{Key: "book_min", Attr: AttrBookMin},
			),
		},
	}
}

func withCredentials(fields ...Field) []Field {
	return append(append([]Field(nil), credentialFields...), fields...)
}

// ApplyFieldKeys renames form keys: overrides[operation][attribute] = key.
// Unknown operations or attributes are rejected so typos do not silently drop fields.
func ApplyFieldKeys(ops map[Op]Operation, overrides map[string]map[string]string) (map[Op]Operation, error) {
	out := make(map[Op]Operation, len(ops))
	for op, spec := range ops {
		spec.Fields = append([]Field(nil), spec.Fields...)
		out[op] = spec
	}

	for opName, renames := range overrides {
		spec, ok := out[Op(opName)]
		if !ok {
			return nil, fmt.Errorf("protocol.fields: unknown operation %q (known: %s)", opName, knownOps(out))
		}
		for attr, key := range renames {
			if strings.TrimSpace(key) == "" {
				return nil, fmt.Errorf("protocol.fields.%s.%s: empty key", opName, attr)
			}
			found := false
			for i := range spec.Fields {
				if spec.Fields[i].Attr == Attribute(attr) {
					spec.Fields[i].Key = key
					found = true
				}
			}
			if !found {
				return nil, fmt.Errorf("protocol.fields.%s: operation has no attribute %q", opName, attr)
			}
		}
		out[Op(opName)] = spec
	}
	return out, nil
}

func knownOps(ops map[Op]Operation) string {
	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, string(op))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
