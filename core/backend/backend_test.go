package backend

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/joeshaw/envdecode"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/hanzsales/salesapi/core/access"
	"github.com/hanzsales/salesapi/core/client"
	"github.com/hanzsales/salesapi/core/csql"
	"github.com/hanzsales/salesapi/core/serializer"
)

// TestService holds the configuration for the backend tests
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type TestService struct {
	Postgres         string `env:"POSTGRES,optional" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	backend          *Backend
	router           *mux.Router
	client           client.Client
	anonymous        client.Client
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil {
		panic(err)
	}
	if testService.Postgres == "" {
		fmt.Println("skipping backend tests, POSTGRES not set")
		os.Exit(0)
	}

	db := csql.OpenWithSchema(testService.Postgres, testService.PostgresPassword, "_sales_unit_test_")
	defer db.Close()
	db.ClearSchema()

	gate := access.NewGate(&access.GateBuilder{
		Username: "admin",
		Password: "hunter2",
		Secret:   "unit-test-secret",
	})

	testService.router = mux.NewRouter()
	testService.backend = New(&Builder{
		DB:           db,
		Router:       testService.router,
		Gate:         gate,
		UpdateSchema: true,
	})

	testService.anonymous = client.NewWithRouter(testService.router)
	login := struct {
		AccessToken string `json:"access_token"`
	}{}
	_, err := testService.anonymous.RawPost("/auth/login",
		map[string]string{"username": "admin", "password": "hunter2"}, &login)
	if err != nil {
		panic(err)
	}
	testService.client = testService.anonymous.WithToken(login.AccessToken)

	code := m.Run()
	os.Exit(code)
}

type Category struct {
	CategoryID   int64  `json:"category_id"`
	CategoryName string `json:"category_name"`
}

type Region struct {
	RegionID   int64  `json:"region_id"`
	RegionName string `json:"region_name"`
}

type Customer struct {
	CustomerID int64  `json:"customer_id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Email      string `json:"email"`
	SignupDate string `json:"signup_date"`
}

type Product struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	CategoryID  int64  `json:"category_id"`
}

type Sale struct {
	SaleID     int64   `json:"sale_id"`
	ProductID  int64   `json:"product_id"`
	SaleDate   string  `json:"sale_date"`
	Quantity   int64   `json:"quantity"`
	Price      float64 `json:"price"`
	CustomerID int64   `json:"customer_id"`
	RegionID   int64   `json:"region_id"`
}

type errorBody struct {
	Kind    string   `json:"kind"`
	Error   string   `json:"error"`
	Status  int      `json:"status"`
	Details []string `json:"details"`
}

// doRaw sends an authenticated request through the router and returns the
// recorder, for tests which need headers or error bodies the client hides.
func doRaw(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, body)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Authorization", "Bearer "+loginToken(t))
	w := httptest.NewRecorder()
	testService.router.ServeHTTP(w, r)
	return w
}

func mustCreate(t *testing.T, path string, body interface{}, result interface{}) {
	t.Helper()
	status, err := testService.client.RawPost(path, body, result)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusCreated {
		t.Fatal("unexpected status", status)
	}
}

func TestHealth(t *testing.T) {
	health := struct {
		Status string `json:"status"`
	}{}
	// no credential needed
	_, err := testService.anonymous.RawGet("/health", &health)
	assert.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
}

func TestLogin(t *testing.T) {
	login := struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}{}
	_, err := testService.anonymous.RawPost("/auth/login",
		map[string]string{"username": "admin", "password": "hunter2"}, &login)
	assert.NoError(t, err)
	assert.NotEmpty(t, login.AccessToken)
	assert.Equal(t, "Bearer", login.TokenType)
	assert.Equal(t, 3600, login.ExpiresIn)

	status, err := testService.anonymous.RawPost("/auth/login",
		map[string]string{"username": "admin", "password": "wrong"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestResourceRoutesRequireToken(t *testing.T) {
	status, err := testService.anonymous.RawGet("/api/categories", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	bad := testService.anonymous.WithToken("not.a.token")
	status, err = bad.RawGet("/api/categories", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, err = bad.RawPost("/api/categories", &Category{CategoryName: "Smuggled"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCategoryCRUD(t *testing.T) {
	created := Category{}
	mustCreate(t, "/api/categories", &Category{CategoryName: "Garden"}, &created)
	assert.NotZero(t, created.CategoryID)
	assert.Equal(t, "Garden", created.CategoryName)

	read := Category{}
	_, err := testService.client.RawGet(fmt.Sprintf("/api/categories/%d", created.CategoryID), &read)
	assert.NoError(t, err)
	assert.Equal(t, created, read)

	updated := Category{}
	_, err = testService.client.RawPut(fmt.Sprintf("/api/categories/%d", created.CategoryID),
		map[string]string{"category_name": "Garden & Patio"}, &updated)
	assert.NoError(t, err)
	assert.Equal(t, created.CategoryID, updated.CategoryID)
	assert.Equal(t, "Garden & Patio", updated.CategoryName)

	_, err = testService.client.RawDelete(fmt.Sprintf("/api/categories/%d", created.CategoryID))
	assert.NoError(t, err)

	status, err := testService.client.RawGet(fmt.Sprintf("/api/categories/%d", created.CategoryID), nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCreateReturnsLocation(t *testing.T) {
	w := doRaw(t, "POST", "/api/categories?format=json",
		bytes.NewBufferString(`{"category_name": "Located"}`))
	assert.Equal(t, http.StatusCreated, w.Code)
	location := w.Header().Get("Location")
	assert.Regexp(t, `^/api/categories/[0-9]+\?format=json$`, location)
}

func TestCustomerClientSuppliedKey(t *testing.T) {
	customer := Customer{
		CustomerID: 9001,
		FirstName:  "Ada",
		LastName:   "Lovelace",
		Email:      "ada@example.com",
		SignupDate: "2022-03-14",
	}
	created := Customer{}
	mustCreate(t, "/api/customers", &customer, &created)
	assert.Equal(t, customer, created)

	// the key is mandatory, not assigned
	status, _ := testService.client.RawPost("/api/customers",
		&Customer{FirstName: "No", LastName: "Key", Email: "no@example.com", SignupDate: "2022-03-14"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// duplicate keys conflict
	status, _ = testService.client.RawPost("/api/customers", &customer, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestCustomerEmailValidation(t *testing.T) {
	status, err := testService.client.RawPost("/api/customers", &Customer{
		CustomerID: 9002,
		FirstName:  "Bad",
		LastName:   "Address",
		Email:      "not-an-address",
		SignupDate: "2022-03-14",
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCreateValidationDetails(t *testing.T) {
	// the server assigns category keys
	w := doRaw(t, "POST", "/api/categories",
		bytes.NewBufferString(`{"category_id": 7, "category_name": "Sneaky"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := errorBody{}
	w = doRaw(t, "POST", "/api/categories",
		bytes.NewBufferString(`{"no_such_column": true}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation", body.Kind)
	assert.Equal(t, http.StatusBadRequest, body.Status)
	assert.Contains(t, body.Details, "category_name is required")
	assert.Contains(t, body.Details, "no_such_column is not a column")
}

func TestPartialUpdate(t *testing.T) {
	customer := Customer{
		CustomerID: 9003,
		FirstName:  "Grace",
		LastName:   "Hopper",
		Email:      "grace@example.com",
		SignupDate: "2021-12-09",
	}
	mustCreate(t, "/api/customers", &customer, nil)

	updated := Customer{}
	_, err := testService.client.RawPut("/api/customers/9003",
		map[string]string{"email": "hopper@example.com"}, &updated)
	assert.NoError(t, err)

	// only the addressed column changes
	assert.Equal(t, "hopper@example.com", updated.Email)
	assert.Equal(t, "Grace", updated.FirstName)
	assert.Equal(t, "Hopper", updated.LastName)
	assert.Equal(t, "2021-12-09", updated.SignupDate)

	status, err := testService.client.RawPut("/api/customers/999999",
		map[string]string{"email": "nobody@example.com"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	status, err = testService.client.RawPut("/api/customers/9003",
		map[string]interface{}{}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeleteResponseAndNotFound(t *testing.T) {
	created := Region{}
	mustCreate(t, "/api/regions", &Region{RegionName: "Atlantis"}, &created)

	w := doRaw(t, "DELETE", fmt.Sprintf("/api/regions/%d", created.RegionID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	deleted := struct {
		Deleted  bool  `json:"deleted"`
		RegionID int64 `json:"region_id"`
	}{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &deleted))
	assert.True(t, deleted.Deleted)
	assert.Equal(t, created.RegionID, deleted.RegionID)

	status, err := testService.client.RawDelete(fmt.Sprintf("/api/regions/%d", created.RegionID))
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestForeignKeyDeleteConflict(t *testing.T) {
	category := Category{}
	mustCreate(t, "/api/categories", &Category{CategoryName: "Referenced"}, &category)
	product := Product{}
	mustCreate(t, "/api/products", &Product{ProductName: "Anchor", CategoryID: category.CategoryID}, &product)

	// the category is still referenced by the product
	status, err := testService.client.RawDelete(fmt.Sprintf("/api/categories/%d", category.CategoryID))
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)

	// unknown foreign key on create conflicts as well
	status, _ = testService.client.RawPost("/api/products",
		&Product{ProductName: "Orphan", CategoryID: 999999}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestListFilterAndLimit(t *testing.T) {
	for _, name := range []string{"Limit One", "Limit Two", "Limit Three"} {
		mustCreate(t, "/api/regions", &Region{RegionName: name}, nil)
	}

	list := struct {
		Items []Region `json:"items"`
	}{}
	_, err := testService.client.RawGet("/api/regions?region_name=Limit+Two", &list)
	assert.NoError(t, err)
	assert.Len(t, list.Items, 1)
	assert.Equal(t, "Limit Two", list.Items[0].RegionName)

	// unknown parameters are ignored, not errors
	_, err = testService.client.RawGet("/api/regions?no_such_column=1", &list)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, len(list.Items), 3)

	_, err = testService.client.RawGet("/api/regions?limit=2", &list)
	assert.NoError(t, err)
	assert.Len(t, list.Items, 2)

	status, err := testService.client.RawGet("/api/regions?limit=0", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	status, err = testService.client.RawGet("/api/regions?limit=101", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

// seedSales creates one complete star: two regions, one customer, one
// product in one category, and two sales on different dates.
func seedSales(t *testing.T) (north Region, south Region, early Sale, late Sale) {
	t.Helper()

	mustCreate(t, "/api/regions", &Region{RegionName: "North Plains"}, &north)
	mustCreate(t, "/api/regions", &Region{RegionName: "South Valley"}, &south)

	category := Category{}
	mustCreate(t, "/api/categories", &Category{CategoryName: "Beverages"}, &category)
	product := Product{}
	mustCreate(t, "/api/products", &Product{ProductName: "Cold Brew Kit", CategoryID: category.CategoryID}, &product)
	customer := Customer{
		CustomerID: 9100,
		FirstName:  "Sam",
		LastName:   "Seller",
		Email:      "sam@example.com",
		SignupDate: "2020-06-01",
	}
	mustCreate(t, "/api/customers", &customer, nil)

	mustCreate(t, "/api/sales", &Sale{
		SaleID:     9101,
		ProductID:  product.ProductID,
		SaleDate:   "2023-04-10",
		Quantity:   2,
		Price:      19.99,
		CustomerID: customer.CustomerID,
		RegionID:   north.RegionID,
	}, &early)
	mustCreate(t, "/api/sales", &Sale{
		SaleID:     9102,
		ProductID:  product.ProductID,
		SaleDate:   "2023-05-20",
		Quantity:   1,
		Price:      19.99,
		CustomerID: customer.CustomerID,
		RegionID:   south.RegionID,
	}, &late)
	return
}

type searchResult struct {
	Items []struct {
		SaleID          int64   `json:"sale_id"`
		ProductName     string  `json:"product_name"`
		ProductCategory string  `json:"product_category"`
		Region          string  `json:"region"`
		SaleDate        string  `json:"sale_date"`
		Quantity        int64   `json:"quantity"`
		Price           float64 `json:"price"`
	} `json:"items"`
	Count int `json:"count"`
}

func TestSearch(t *testing.T) {
	_, _, early, late := seedSales(t)

	// case-insensitive substring match on the region name
	result := searchResult{}
	_, err := testService.client.RawGet("/api/sales/search?region_name=north+pl", &result)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	assert.Len(t, result.Items, 1)
	assert.Equal(t, early.SaleID, result.Items[0].SaleID)
	assert.Equal(t, "North Plains", result.Items[0].Region)
	assert.Equal(t, "Cold Brew Kit", result.Items[0].ProductName)
	assert.Equal(t, "Beverages", result.Items[0].ProductCategory)

	// date range selects the late sale only
	_, err = testService.client.RawGet("/api/sales/search?date_from=2023-05-01&date_to=2023-05-31&product_name=Brew", &result)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	assert.Equal(t, late.SaleID, result.Items[0].SaleID)

	// no match is an empty result, not an error
	_, err = testService.client.RawGet("/api/sales/search?region_name=Nowhere", &result)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.Count)
	assert.Empty(t, result.Items)

	// reversed bounds match nothing, they are not an error either
	_, err = testService.client.RawGet("/api/sales/search?date_from=2023-06-01&date_to=2023-01-01&product_name=Brew", &result)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.Count)

	// malformed dates are rejected
	status, err := testService.client.RawGet("/api/sales/search?date_from=May+2023", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestXMLRoundTrip(t *testing.T) {
	created := Category{}
	mustCreate(t, "/api/categories", &Category{CategoryName: "Formats"}, &created)

	var raw []byte
	_, err := testService.client.RawGet(fmt.Sprintf("/api/categories/%d?format=xml", created.CategoryID), &raw)
	assert.NoError(t, err)

	decoded, err := serializer.Decode(raw, serializer.EncodingXML)
	assert.NoError(t, err)
	object := decoded.(map[string]interface{})
	assert.Equal(t, "Formats", object["category_name"])
	assert.Equal(t, fmt.Sprintf("%d", created.CategoryID), object["category_id"])

	// unknown format values fall back to JSON
	read := Category{}
	_, err = testService.client.RawGet(fmt.Sprintf("/api/categories/%d?format=yaml", created.CategoryID), &read)
	assert.NoError(t, err)
	assert.Equal(t, created, read)
}

func TestCreateFromXMLBody(t *testing.T) {
	body := []byte(`<category><category_name>Imported</category_name></category>`)
	created := Category{}
	status, err := testService.client.WithHeader("Content-Type", "application/xml").
		RawPost("/api/categories", body, &created)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.NotZero(t, created.CategoryID)
	assert.Equal(t, "Imported", created.CategoryName)
}

func loginToken(t *testing.T) string {
	t.Helper()
	login := struct {
		AccessToken string `json:"access_token"`
	}{}
	_, err := testService.anonymous.RawPost("/auth/login",
		map[string]string{"username": "admin", "password": "hunter2"}, &login)
	if err != nil {
		t.Fatal(err)
	}
	return login.AccessToken
}
