package test

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hanzsales/salesapi/core/access"
	"github.com/hanzsales/salesapi/core/backend"
	"github.com/hanzsales/salesapi/core/client"
	"github.com/hanzsales/salesapi/core/csql"
)

const (
	testUsername = "admin"
	testPassword = "integration-password"
	testSecret   = "integration-signing-secret"
)

// IntegrationTestSuite starts a Postgres container and serves the full
// backend over a real HTTP listener, so tests exercise the same wire path
// as a deployed service.
type IntegrationTestSuite struct {
	suite.Suite

	backend *backend.Backend
	srv     *http.Server
	dbConn  *csql.DB
	router  *mux.Router

	postgresContainer testcontainers.Container

	// api carries a valid bearer credential, anonymous does not
	api       client.Client
	anonymous client.Client
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.dbConn = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB), postgresPassword, "sales")

	s.router = mux.NewRouter()
	gate := access.NewGate(&access.GateBuilder{
		Username: testUsername,
		Password: testPassword,
		Secret:   testSecret,
	})
	s.backend = backend.New(&backend.Builder{
		DB:           s.dbConn,
		Router:       s.router,
		Gate:         gate,
		UpdateSchema: true,
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	s.srv = &http.Server{Handler: s.router}
	go func() {
		err := s.srv.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			s.T().Errorf("failed to serve HTTP: %v", err)
		}
	}()

	baseURL := "http://" + listener.Addr().String()
	s.anonymous = client.NewWithURL(baseURL)

	login := struct {
		AccessToken string `json:"access_token"`
	}{}
	_, err = s.anonymous.RawPost("/auth/login",
		map[string]string{"username": testUsername, "password": testPassword}, &login)
	s.Require().NoError(err)
	s.api = s.anonymous.WithToken(login.AccessToken)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.srv != nil {
		err := s.srv.Shutdown(ctx)
		s.Require().NoError(err)
	}
	if s.dbConn != nil {
		s.dbConn.Close()
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
}
