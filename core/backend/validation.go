package backend

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hanzsales/salesapi/core"
	"github.com/hanzsales/salesapi/core/schema"
)

// validateCreate checks a create body against the descriptor: every
// required-on-create column must be present and type-coercible, nothing
// outside the writable set (plus a client-supplied primary key) may appear.
// It returns the insert columns and typed bind values in descriptor order.
// Validation happens before any store statement runs.
func (b *Backend) validateCreate(d *schema.Descriptor, body map[string]interface{}) ([]string, []interface{}, error) {
	var details []string
	var insertColumns []string
	var insertValues []interface{}

	for _, column := range d.Columns {
		value, present := body[column.Name]
		if column.Name == d.PK {
			if d.ServerAssignedPK {
				if present {
					details = append(details, column.Name+" is assigned by the server")
				}
				continue
			}
			if !present {
				details = append(details, column.Name+" is required")
				continue
			}
		} else if !column.Writable {
			if present {
				details = append(details, column.Name+" is not writable")
			}
			continue
		} else if !present {
			if column.Required {
				details = append(details, column.Name+" is required")
			}
			continue
		}
		typed, detail := coerceColumnValue(column, value)
		if detail != "" {
			details = append(details, detail)
			continue
		}
		insertColumns = append(insertColumns, column.Name)
		insertValues = append(insertValues, typed)
	}

	details = append(details, unknownColumns(d, body)...)

	if len(details) == 0 && d.SchemaID != "" && b.validator.HasSchema(d.SchemaID) {
		if err := b.validator.ValidateStruct(body, d.SchemaID); err != nil {
			details = append(details, err.Error())
		}
	}
	if len(details) > 0 {
		return nil, nil, core.NewError(core.KindValidation, "invalid %s body", singular(d.Name)).WithDetails(details...)
	}
	return insertColumns, insertValues, nil
}

// validateUpdate checks a partial update body: only writable columns may
// appear, each present column must be type-coercible. It returns the SET
// columns and typed bind values in descriptor order.
func (b *Backend) validateUpdate(d *schema.Descriptor, body map[string]interface{}) ([]string, []interface{}, error) {
	var details []string
	var setColumns []string
	var setValues []interface{}

	for _, column := range d.Columns {
		value, present := body[column.Name]
		if !present {
			continue
		}
		if !column.Writable {
			details = append(details, column.Name+" is not writable")
			continue
		}
		typed, detail := coerceColumnValue(column, value)
		if detail != "" {
			details = append(details, detail)
			continue
		}
		setColumns = append(setColumns, column.Name)
		setValues = append(setValues, typed)
	}

	details = append(details, unknownColumns(d, body)...)

	if len(details) == 0 && len(setColumns) == 0 {
		details = append(details, "no writable column in body")
	}
	if len(details) == 0 && d.SchemaID != "" && b.validator.HasSchema(d.SchemaID) {
		if err := b.validator.ValidateStruct(body, d.SchemaID); err != nil {
			details = append(details, err.Error())
		}
	}
	if len(details) > 0 {
		return nil, nil, core.NewError(core.KindValidation, "invalid %s body", singular(d.Name)).WithDetails(details...)
	}
	return setColumns, setValues, nil
}

func unknownColumns(d *schema.Descriptor, body map[string]interface{}) []string {
	var details []string
	for key := range body {
		if _, ok := d.Column(key); !ok {
			details = append(details, key+" is not a column")
		}
	}
	sort.Strings(details)
	return details
}

// coerceColumnValue converts a body value into the typed bind value for a
// column. Bodies arrive either from JSON (native numbers) or from XML
// (strings only), both must coerce. An empty detail string means success.
func coerceColumnValue(column schema.Column, value interface{}) (interface{}, string) {
	switch column.Type {
	case schema.TypeInteger:
		switch v := value.(type) {
		case float64:
			if v != float64(int64(v)) {
				return nil, column.Name + " must be an integer"
			}
			return int64(v), ""
		case string:
			parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, column.Name + " must be an integer"
			}
			return parsed, ""
		}
		return nil, column.Name + " must be an integer"
	case schema.TypeDecimal:
		switch v := value.(type) {
		case float64:
			return v, ""
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, column.Name + " must be a number"
			}
			return parsed, ""
		}
		return nil, column.Name + " must be a number"
	case schema.TypeDate:
		s, ok := value.(string)
		if !ok {
			return nil, column.Name + " must be a date string (YYYY-MM-DD)"
		}
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(s))
		if err != nil {
			return nil, column.Name + " must be a date string (YYYY-MM-DD)"
		}
		return parsed, ""
	default:
		s, ok := value.(string)
		if !ok {
			return nil, column.Name + " must be a string"
		}
		s = strings.TrimSpace(s)
		if column.Required && s == "" {
			return nil, column.Name + " is required"
		}
		return s, ""
	}
}
