package backend

import (
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/hanzsales/salesapi/core"
	"github.com/hanzsales/salesapi/core/filter"
	"github.com/hanzsales/salesapi/core/logger"
	"github.com/hanzsales/salesapi/core/schema"
	"github.com/hanzsales/salesapi/core/serializer"
)

// createCollectionResource registers the CRUD routes for one resource. All
// query strings are precomputed from the descriptor; the handlers close over
// them and run one statement per logical operation.
func (b *Backend) createCollectionResource(router *mux.Router, d *schema.Descriptor) {
	schemaName := b.db.Schema
	columns := d.ColumnNames()

	nillog := logger.FromContext(nil)
	nillog.Debugln("create collection:", d.Name)

	listRoute := "/" + d.Name
	itemRoute := "/" + d.Name + "/{" + d.PK + ":[0-9]+}"
	nillog.Debugln("  handle collection routes:", listRoute, "GET,POST")
	nillog.Debugln("  handle collection routes:", itemRoute, "GET,PUT,DELETE")

	readQuery := "SELECT " + strings.Join(columns, ", ") + fmt.Sprintf(" FROM %s.\"%s\" ", schemaName, d.Relation)
	sqlWhereOne := "WHERE " + d.PK + " = $1;"
	sqlOrder := "ORDER BY " + d.PK
	deleteQuery := fmt.Sprintf("DELETE FROM %s.\"%s\" ", schemaName, d.Relation) +
		"WHERE " + d.PK + " = $1 RETURNING " + d.PK + ";"
	sqlReturnObject := " RETURNING " + strings.Join(columns, ", ") + ";"

	createScanValuesAndObject := func() ([]interface{}, map[string]interface{}, func()) {
		return scanValuesAndObject(d)
	}

	list := func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())

		f, err := filter.FromQuery(r.URL.Query(), d)
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
			serializer.RenderError(w, r, b.storeError(rlog, core.OperationList, err))
			return
		}
		defer rows.Close()

		response := []map[string]interface{}{}
		for rows.Next() {
			values, object, settle := createScanValuesAndObject()
			if err := rows.Scan(values...); err != nil {
				serializer.RenderError(w, r, b.storeError(rlog, core.OperationList, err))
				return
			}
			settle()
			response = append(response, object)
		}
		if err := rows.Err(); err != nil {
			serializer.RenderError(w, r, b.storeError(rlog, core.OperationList, err))
			return
		}
		serializer.Write(w, r, http.StatusOK, map[string]interface{}{"items": response})
	}

	read := func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		id := mux.Vars(r)[d.PK]

		values, object, settle := createScanValuesAndObject()
		err := b.db.QueryRow(readQuery+sqlWhereOne, id).Scan(values...)
		if err == sql.ErrNoRows {
			serializer.RenderError(w, r, core.NewError(core.KindNotFound, "no such %s", singular(d.Name)))
			return
		}
		if err != nil {
			serializer.RenderError(w, r, b.storeError(rlog, core.OperationRead, err))
			return
		}
		settle()
		serializer.Write(w, r, http.StatusOK, object)
	}

	create := func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())

		body, err := serializer.Parse(r.Body, r.Header.Get("Content-Type"))
		if err != nil {
			serializer.RenderError(w, r, err)
			return
		}
		insertColumns, insertValues, err := b.validateCreate(d, body)
		if err != nil {
			serializer.RenderError(w, r, err)
			return
		}

		insertQuery := fmt.Sprintf("INSERT INTO %s.\"%s\" ", schemaName, d.Relation) +
			"(" + strings.Join(insertColumns, ", ") + ") VALUES(" + parameterString(len(insertValues)) + ")" +
			sqlReturnObject

		values, object, settle := createScanValuesAndObject()
		err = b.db.QueryRow(insertQuery, insertValues...).Scan(values...)
		if err != nil {
			serializer.RenderError(w, r, b.storeError(rlog, core.OperationCreate, err))
			return
		}
		settle()

		location := "/api/" + d.Name + "/" + fmt.Sprintf("%v", object[d.PK])
		if format := r.URL.Query().Get("format"); format != "" {
			location += "?format=" + format
		}
		w.Header().Set("Location", location)
		serializer.Write(w, r, http.StatusCreated, object)
	}

	update := func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		id := mux.Vars(r)[d.PK]

		body, err := serializer.Parse(r.Body, r.Header.Get("Content-Type"))
		if err != nil {
			serializer.RenderError(w, r, err)
			return
		}
		// partial update: only columns present in the body are modified
		setColumns, setValues, err := b.validateUpdate(d, body)
		if err != nil {
			serializer.RenderError(w, r, err)
			return
		}

		sets := make([]string, len(setColumns))
		for i, column := range setColumns {
			sets[i] = column + " = $" + strconv.Itoa(i+2)
		}
		updateQuery := fmt.Sprintf("UPDATE %s.\"%s\" SET ", schemaName, d.Relation) +
			strings.Join(sets, ", ") + " WHERE " + d.PK + " = $1" + sqlReturnObject

		queryParameters := append([]interface{}{id}, setValues...)
		values, object, settle := createScanValuesAndObject()
		err = b.db.QueryRow(updateQuery, queryParameters...).Scan(values...)
		if err == sql.ErrNoRows {
			serializer.RenderError(w, r, core.NewError(core.KindNotFound, "no such %s", singular(d.Name)))
			return
		}
		if err != nil {
			serializer.RenderError(w, r, b.storeError(rlog, core.OperationUpdate, err))
			return
		}
		settle()
		serializer.Write(w, r, http.StatusOK, object)
	}

	remove := func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		id := mux.Vars(r)[d.PK]

		var deletedID int64
		err := b.db.QueryRow(deleteQuery, id).Scan(&deletedID)
		if err == sql.ErrNoRows {
			serializer.RenderError(w, r, core.NewError(core.KindNotFound, "no such %s", singular(d.Name)))
			return
		}
		if err != nil {
			serializer.RenderError(w, r, b.storeError(rlog, core.OperationDelete, err))
			return
		}
		serializer.Write(w, r, http.StatusOK, map[string]interface{}{
			"deleted": true,
			d.PK:      deletedID,
		})
	}

	router.Handle(listRoute, handlers.CompressHandler(http.HandlerFunc(list))).Methods(http.MethodGet)
	router.Handle(listRoute, handlers.CompressHandler(http.HandlerFunc(create))).Methods(http.MethodPost)
	router.Handle(itemRoute, handlers.CompressHandler(http.HandlerFunc(read))).Methods(http.MethodGet)
	router.Handle(itemRoute, handlers.CompressHandler(http.HandlerFunc(update))).Methods(http.MethodPut)
	router.Handle(itemRoute, handlers.CompressHandler(http.HandlerFunc(remove))).Methods(http.MethodDelete)
}

// scanValuesAndObject creates typed scan targets for one row of the
// descriptor's relation, plus a settle function which converts the targets
// into plain scalars after a successful Scan.
func scanValuesAndObject(d *schema.Descriptor) ([]interface{}, map[string]interface{}, func()) {
	values := make([]interface{}, len(d.Columns))
	object := map[string]interface{}{}
	for i, column := range d.Columns {
		switch column.Type {
		case schema.TypeInteger:
			values[i] = &sql.NullInt64{}
		case schema.TypeDecimal:
			values[i] = &sql.NullFloat64{}
		case schema.TypeDate:
			values[i] = &sql.NullTime{}
		default:
			values[i] = &sql.NullString{}
		}
	}
	settle := func() {
		for i, column := range d.Columns {
			object[column.Name] = scalarValue(values[i])
		}
	}
	return values, object, settle
}

// limitFromQuery parses the optional limit parameter, 0 means unlimited
func limitFromQuery(r *http.Request) (int, error) {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit < 1 || limit > 100 {
		return 0, core.NewError(core.KindInvalidFilter, "limit must be an integer between 1 and 100")
	}
	return limit, nil
}

// scalarValue converts a scan target into the value the serializer renders:
// nil for NULL, native numbers, dates as YYYY-MM-DD strings.
func scalarValue(value interface{}) interface{} {
	switch v := value.(type) {
	case *sql.NullInt64:
		if !v.Valid {
			return nil
		}
		return v.Int64
	case *sql.NullFloat64:
		if !v.Valid {
			return nil
		}
		return v.Float64
	case *sql.NullTime:
		if !v.Valid {
			return nil
		}
		return v.Time.Format("2006-01-02")
	case *sql.NullString:
		if !v.Valid {
			return nil
		}
		return v.String
	default:
		return nil
	}
}

// storeError classifies a backing store failure. Constraint violations are
// conflicts the caller can act on, everything else stays internal.
func (b *Backend) storeError(rlog *logrus.Entry, op core.Operation, err error) error {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23503", "23505", "23502":
			return core.NewError(core.KindConflict, "conflict: %s", pqErr.Message)
		case "22P02":
			return core.NewError(core.KindValidation, "invalid value: %s", pqErr.Message)
		}
	}
	rlog.Errorf("store error on %s: %s", op, err.Error())
	return core.NewError(core.KindInternal, "backing store failure")
}

func singular(resource string) string {
	if strings.HasSuffix(resource, "ies") {
		return strings.TrimSuffix(resource, "ies") + "y"
	}
	return strings.TrimSuffix(resource, "s")
}
