package backend

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/hanzsales/salesapi/core"
	"github.com/hanzsales/salesapi/core/filter"
	"github.com/hanzsales/salesapi/core/logger"
	"github.com/hanzsales/salesapi/core/serializer"
)

// createSearchResource registers the multi-predicate search over the
// denormalized sales view. The view exposes product, category and region
// names as filterable text columns next to the sale facts.
func (b *Backend) createSearchResource(router *mux.Router) {
	d := b.Registry.SearchView()
	schemaName := b.db.Schema
	columns := d.ColumnNames()

	nillog := logger.FromContext(nil)
	nillog.Debugln("create search resource:", d.Relation)
	nillog.Debugln("  handle search route: /sales/search GET")

	readQuery := "SELECT " + strings.Join(columns, ", ") + fmt.Sprintf(" FROM %s.\"%s\" ", schemaName, d.Relation)
	sqlOrder := "ORDER BY " + d.PK

	search := func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())

		f, err := filter.SearchFromQuery(r.URL.Query())
		if err != nil {
			serializer.RenderError(w, r, err)
			return
		}
		limit, err := limitFromQuery(r)
		if err != nil {
			serializer.RenderError(w, r, err)
			return
		}

		whereClause, queryParameters := f.WhereClause(0)
		sqlQuery := readQuery + whereClause + " " + sqlOrder
		if limit > 0 {
			sqlQuery += " LIMIT " + strconv.Itoa(limit)
		}

		rows, err := b.db.Query(sqlQuery+";", queryParameters...)
		if err != nil {
			serializer.RenderError(w, r, b.storeError(rlog, core.OperationSearch, err))
			return
		}
		defer rows.Close()

		response := []map[string]interface{}{}
		for rows.Next() {
			values, object, settle := scanValuesAndObject(d)
			if err := rows.Scan(values...); err != nil {
				serializer.RenderError(w, r, b.storeError(rlog, core.OperationSearch, err))
				return
			}
			settle()
			response = append(response, object)
		}
		if err := rows.Err(); err != nil {
			serializer.RenderError(w, r, b.storeError(rlog, core.OperationSearch, err))
			return
		}
		serializer.Write(w, r, http.StatusOK, map[string]interface{}{
			"items": response,
			"count": len(response),
		})
	}

	router.Handle("/sales/search", handlers.CompressHandler(http.HandlerFunc(search))).Methods(http.MethodGet)
}
