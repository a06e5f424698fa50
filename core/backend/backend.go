/*Package backend is the generic resource engine. One code path serves CRUD
for all registered resources, parameterized by their entity descriptors; a
second path serves the multi-predicate search over the denormalized sales
view. All request handling is stateless, the only shared state are the
read-only descriptor registry and the auth gate created at startup.
*/
package backend

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/hanzsales/salesapi/core/access"
	"github.com/hanzsales/salesapi/core/csql"
	"github.com/hanzsales/salesapi/core/logger"
	"github.com/hanzsales/salesapi/core/schema"
	"github.com/hanzsales/salesapi/core/serializer"
)

// Backend is the generic rest backend
type Backend struct {
	db       *csql.DB
	router   *mux.Router
	gate     *access.Gate
	validator *schema.Validator
	// Registry holds the entity descriptors for this backend's resources
	Registry *schema.Registry
}

// Builder is a builder helper for the Backend
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Gate guards all resource routes. This is mandatory.
	Gate *access.Gate
	// UpdateSchema creates the backing tables and the search view with
	// idempotent DDL at startup.
	UpdateSchema bool
}

// New realizes the actual backend. It creates the sql relations (if
// requested) and adds the actual routes to the router.
func New(bb *Builder) *Backend {

	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}
	if bb.Gate == nil {
		panic("Gate is missing")
	}

	validator, err := schema.NewValidator(schema.CustomerSchema)
	if err != nil {
		panic(fmt.Errorf("invalid resource schema: %s", err))
	}

	b := &Backend{
		db:        bb.DB,
		router:    bb.Router,
		gate:      bb.Gate,
		validator: validator,
		Registry:  schema.NewRegistry(),
	}

	if bb.UpdateSchema {
		b.createRelations()
	}

	b.handleRoutes(bb.Router)
	return b
}

// handleRoutes adds all handlers: health and login on the top router, the
// resource and search routes behind the auth gate on the /api subrouter.
func (b *Backend) handleRoutes(router *mux.Router) {

	nillog := logger.FromContext(nil)
	nillog.Debugln("backend: handle routes")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		serializer.Write(w, r, http.StatusOK, map[string]interface{}{"status": "ok"})
	}).Methods(http.MethodGet)

	b.handleLoginRoute(router)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(b.gate.Middleware())

	// search before the sales item route, the paths share a prefix
	b.createSearchResource(api)

	for _, name := range b.Registry.Resources() {
		descriptor, err := b.Registry.Resolve(name)
		if err != nil {
			panic(err)
		}
		b.createCollectionResource(api, descriptor)
	}
}

func (b *Backend) handleLoginRoute(router *mux.Router) {
	logger.FromContext(nil).Debugln("  handle route: /auth/login POST")

	router.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		body, err := serializer.Parse(r.Body, r.Header.Get("Content-Type"))
		if err != nil {
			serializer.RenderError(w, r, err)
			return
		}
		username, _ := body["username"].(string)
		password, _ := body["password"].(string)
		token, err := b.gate.Login(username, password)
		if err != nil {
			logger.FromContext(r.Context()).Infoln("rejected login for user", username)
			serializer.RenderError(w, r, err)
			return
		}
		serializer.Write(w, r, http.StatusOK, map[string]interface{}{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_in":   int(access.TokenLifetime.Seconds()),
		})
	}).Methods(http.MethodPost)
}

// createRelations creates the backing tables and the denormalized search
// view. The DDL is idempotent; this is startup bootstrap, not a migration
// system.
func (b *Backend) createRelations() {
	schemaName := b.db.Schema
	nillog := logger.FromContext(nil)

	for _, name := range b.Registry.Resources() {
		descriptor, _ := b.Registry.Resolve(name)
		createQuery := createTableQuery(schemaName, descriptor)
		nillog.Debugln("create relation:", descriptor.Relation)
		if _, err := b.db.Exec(createQuery); err != nil {
			nillog.WithError(err).Errorf("error while updating schema when running: %s", createQuery)
			panic(fmt.Sprintf("invalid configuration: %v", err))
		}
	}

	viewQuery := createViewQuery(schemaName)
	nillog.Debugln("create view: sales_denorm")
	if _, err := b.db.Exec(viewQuery); err != nil {
		nillog.WithError(err).Errorf("error while updating schema when running: %s", viewQuery)
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}
}

func createTableQuery(schemaName string, d *schema.Descriptor) string {
	var createColumns []string
	for _, column := range d.Columns {
		createColumn := "\"" + column.Name + "\" " + sqlType(column.Type)
		if column.Name == d.PK {
			if d.ServerAssignedPK {
				createColumn = "\"" + column.Name + "\" SERIAL PRIMARY KEY"
			} else {
				createColumn += " PRIMARY KEY"
			}
		} else if column.Required {
			createColumn += " NOT NULL"
		}
		createColumns = append(createColumns, createColumn)
	}
	for _, fk := range foreignKeys[d.Name] {
		createColumns = append(createColumns, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s.\"%s\" (%s)",
			fk.column, schemaName, fk.relation, fk.column))
	}
	query := fmt.Sprintf("CREATE table IF NOT EXISTS %s.\"%s\"(%s);",
		schemaName, d.Relation, strings.Join(createColumns, ", "))
	for _, index := range indexes[d.Name] {
		query += fmt.Sprintf("CREATE index IF NOT EXISTS %s ON %s.\"%s\"(%s);",
			"search_index_"+d.Relation+"_"+index, schemaName, d.Relation, index)
	}
	return query
}

type foreignKey struct {
	column   string
	relation string
}

// referential constraints between the star schema relations. Deletes do not
// cascade; a violating delete surfaces as a conflict to the caller.
var foreignKeys = map[string][]foreignKey{
	"products": {{"category_id", "categories"}},
	"sales": {
		{"product_id", "products"},
		{"customer_id", "customers"},
		{"region_id", "regions"},
	},
}

var indexes = map[string][]string{
	"sales": {"sale_date"},
}

func sqlType(t schema.Type) string {
	switch t {
	case schema.TypeInteger:
		return "INTEGER"
	case schema.TypeDecimal:
		return "NUMERIC(12,2)"
	case schema.TypeDate:
		return "DATE"
	default:
		return "VARCHAR"
	}
}

func createViewQuery(schemaName string) string {
	s := schemaName
	return fmt.Sprintf(`CREATE OR REPLACE VIEW %s.sales_denorm AS
SELECT s.sale_id, s.product_id, p.product_name, c.category_name AS product_category,
       s.customer_id, cu.first_name, cu.last_name, cu.signup_date,
       s.region_id, r.region_name AS region, s.sale_date, s.quantity, s.price
FROM %s.sales_fact s
JOIN %s.products p ON p.product_id = s.product_id
JOIN %s.categories c ON c.category_id = p.category_id
JOIN %s.customers cu ON cu.customer_id = s.customer_id
JOIN %s.regions r ON r.region_id = s.region_id;`, s, s, s, s, s, s)
}

// returns $1,...,$n
func parameterString(n int) string {
	result := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			result += ","
		}
		result += fmt.Sprintf("$%d", i+1)
	}
	return result
}
