/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router.
It is perfectly suited for unit tests; with NewWithURL it talks to a real
server, which is what the integration suite does.
*/
package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
)

// Client provides easy access to the REST API.
type Client struct {
	router         *mux.Router
	httpClient     *http.Client
	url            string
	token          string
	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router.
//
// WithToken() adds a bearer credential to every request.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to a running backend
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithToken returns a new client with a bearer credential
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{}
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

func (c Client) do(method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	r, err := http.NewRequest(method, c.url+path, reader)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	if body != nil && r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Result().StatusCode, rec.Body.Bytes(), nil
	}

	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, resBody, nil
}

func decodeResult(resBody []byte, result interface{}) error {
	if result == nil || len(resBody) == 0 {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

// RawGet gets a resource from path. Expects http.StatusOK, otherwise it
// will flag an error. Returns the actual http status code.
//
// The path can be extended with query strings. result can also be a raw
// *[]byte for non-JSON representations; result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, resBody, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, fmt.Errorf("get %s: got status %d body=%s", path, status, strings.TrimSpace(string(resBody)))
	}
	return status, decodeResult(resBody, result)
}

// RawPost posts a resource to path. Expects http.StatusOK or
// http.StatusCreated as response, otherwise it will flag an error.
// Returns the actual http status code.
//
// body can also be a []byte; result can also be a raw *[]byte; both can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	j, ok := body.([]byte)
	if !ok && body != nil {
		var err error
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("POST to %s: %w", path, err)
		}
	}
	status, resBody, err := c.do(http.MethodPost, path, j)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return status, fmt.Errorf("post %s: got status %d body=%s", path, status, strings.TrimSpace(string(resBody)))
	}
	return status, decodeResult(resBody, result)
}

// RawPut puts a resource to path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	j, ok := body.([]byte)
	if !ok && body != nil {
		var err error
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("PUT to %s: %w", path, err)
		}
	}
	status, resBody, err := c.do(http.MethodPut, path, j)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, fmt.Errorf("put %s: got status %d body=%s", path, status, strings.TrimSpace(string(resBody)))
	}
	return status, decodeResult(resBody, result)
}

// RawDelete deletes a resource at path. Expects http.StatusOK, otherwise it
// will flag an error. Returns the actual http status code.
func (c Client) RawDelete(path string) (int, error) {
	status, resBody, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, fmt.Errorf("delete %s: got status %d body=%s", path, status, strings.TrimSpace(string(resBody)))
	}
	return status, nil
}
