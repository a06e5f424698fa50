/*Package schema holds the entity descriptors for all resources served by the
backend: the five tables of the sales star schema plus the denormalized
search view. Descriptors are pure data, created once at startup and shared
read-only by all requests.
*/
package schema

import (
	"github.com/hanzsales/salesapi/core"
)

// Type is the semantic type of a column.
type Type string

// all supported column types
const (
	TypeInteger Type = "integer"
	TypeDecimal Type = "decimal"
	TypeString  Type = "string"
	TypeDate    Type = "date"
)

// Column describes a single column of a backing relation.
type Column struct {
	Name string
	Type Type
	// Writable columns may appear in create and update bodies. The primary
	// key is never writable; it is either server-assigned or fixed at
	// creation time.
	Writable bool
	// Required columns must be present in create bodies.
	Required bool
}

// Descriptor describes one resource: its backing relation, primary key
// and column set. Descriptors are immutable after startup.
type Descriptor struct {
	// Name is the resource name as it appears in the URL, e.g. "categories".
	Name string
	// Relation is the backing table or view.
	Relation string
	// View marks read-only backing relations.
	View bool
	// PK is the primary key column.
	PK string
	// ServerAssignedPK is true when the store assigns the key on insert.
	// Otherwise the caller must supply the key in the create body.
	ServerAssignedPK bool
	// Columns is the ordered column list, primary key first.
	Columns []Column
	// SchemaID optionally references a JSON schema the body must satisfy
	// in addition to the column rules.
	SchemaID string
}

// Column returns the named column.
func (d *Descriptor) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the ordered column names.
func (d *Descriptor) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// RequiredOnCreate returns the columns a create body must contain. This is
// every required writable column, plus the primary key when it is not
// server-assigned.
func (d *Descriptor) RequiredOnCreate() []string {
	var names []string
	if !d.ServerAssignedPK {
		names = append(names, d.PK)
	}
	for _, c := range d.Columns {
		if c.Writable && c.Required {
			names = append(names, c.Name)
		}
	}
	return names
}

// Registry resolves resource names to entity descriptors. It is populated
// once by NewRegistry and is safe for unsynchronized concurrent reads.
type Registry struct {
	descriptors map[string]*Descriptor
	names       []string
	search      *Descriptor
}

// Resolve returns the descriptor for the named resource.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	d, ok := r.descriptors[name]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "unknown resource %s", name)
	}
	return d, nil
}

// Resources returns the resource names in registration order.
func (r *Registry) Resources() []string {
	return r.names
}

// SearchView returns the descriptor of the denormalized search view.
func (r *Registry) SearchView() *Descriptor {
	return r.search
}

// NewRegistry creates the registry with the fixed set of resources. There
// is no dynamic schema introspection; the resource set is part of the
// service contract.
func NewRegistry() *Registry {
	r := &Registry{descriptors: map[string]*Descriptor{}}

	add := func(d *Descriptor) {
		r.descriptors[d.Name] = d
		r.names = append(r.names, d.Name)
	}

	add(&Descriptor{
		Name:             "categories",
		Relation:         "categories",
		PK:               "category_id",
		ServerAssignedPK: true,
		Columns: []Column{
			{Name: "category_id", Type: TypeInteger},
			{Name: "category_name", Type: TypeString, Writable: true, Required: true},
		},
	})

	add(&Descriptor{
		Name:             "regions",
		Relation:         "regions",
		PK:               "region_id",
		ServerAssignedPK: true,
		Columns: []Column{
			{Name: "region_id", Type: TypeInteger},
			{Name: "region_name", Type: TypeString, Writable: true, Required: true},
		},
	})

	add(&Descriptor{
		Name:     "customers",
		Relation: "customers",
		PK:       "customer_id",
		SchemaID: CustomerSchemaID,
		Columns: []Column{
			{Name: "customer_id", Type: TypeInteger},
			{Name: "first_name", Type: TypeString, Writable: true, Required: true},
			{Name: "last_name", Type: TypeString, Writable: true, Required: true},
			{Name: "email", Type: TypeString, Writable: true, Required: true},
			{Name: "signup_date", Type: TypeDate, Writable: true, Required: true},
		},
	})

	add(&Descriptor{
		Name:             "products",
		Relation:         "products",
		PK:               "product_id",
		ServerAssignedPK: true,
		Columns: []Column{
			{Name: "product_id", Type: TypeInteger},
			{Name: "product_name", Type: TypeString, Writable: true, Required: true},
			{Name: "category_id", Type: TypeInteger, Writable: true, Required: true},
		},
	})

	add(&Descriptor{
		Name:     "sales",
		Relation: "sales_fact",
		PK:       "sale_id",
		Columns: []Column{
			{Name: "sale_id", Type: TypeInteger},
			{Name: "product_id", Type: TypeInteger, Writable: true, Required: true},
			{Name: "sale_date", Type: TypeDate, Writable: true, Required: true},
			{Name: "quantity", Type: TypeInteger, Writable: true, Required: true},
			{Name: "price", Type: TypeDecimal, Writable: true, Required: true},
			{Name: "customer_id", Type: TypeInteger, Writable: true, Required: true},
			{Name: "region_id", Type: TypeInteger, Writable: true, Required: true},
		},
	})

	r.search = &Descriptor{
		Name:     "sales_denorm",
		Relation: "sales_denorm",
		View:     true,
		PK:       "sale_id",
		Columns: []Column{
			{Name: "sale_id", Type: TypeInteger},
			{Name: "product_id", Type: TypeInteger},
			{Name: "product_name", Type: TypeString},
			{Name: "product_category", Type: TypeString},
			{Name: "customer_id", Type: TypeInteger},
			{Name: "first_name", Type: TypeString},
			{Name: "last_name", Type: TypeString},
			{Name: "signup_date", Type: TypeDate},
			{Name: "region_id", Type: TypeInteger},
			{Name: "region", Type: TypeString},
			{Name: "sale_date", Type: TypeDate},
			{Name: "quantity", Type: TypeInteger},
			{Name: "price", Type: TypeDecimal},
		},
	}

	return r
}

// CustomerSchemaID identifies the JSON schema customer bodies must satisfy
// on top of the descriptor column rules.
const CustomerSchemaID = "https://schemas.hanzsales.io/customer.json"

// CustomerSchema is the customer body schema. It enforces the email format
// which the column rules alone cannot express.
const CustomerSchema = `{
	"$id": "https://schemas.hanzsales.io/customer.json",
	"type": "object",
	"properties": {
		"email": {
			"type": "string",
			"pattern": "^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$"
		}
	}
}`
