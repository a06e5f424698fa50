package main

import (
	"net/http"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/hanzsales/salesapi/core/access"
	"github.com/hanzsales/salesapi/core/backend"
	"github.com/hanzsales/salesapi/core/csql"
	"github.com/hanzsales/salesapi/core/logger"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	APIUsername      string `env:"API_USERNAME,required" description:"username of the fixed API principal"`
	APIPassword      string `env:"API_PASSWORD,required" description:"password of the fixed API principal"`
	JWTSecret        string `env:"JWT_SECRET,required" description:"secret for signing bearer tokens"`
	Port             string `env:"PORT,default=5000" description:"port to listen on"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logger.InitLogger(logrus.InfoLevel)

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, "sales")
	defer db.Close()

	router := mux.NewRouter()
	logger.AddRequestID(router)

	gate := access.NewGate(&access.GateBuilder{
		Username: service.APIUsername,
		Password: service.APIPassword,
		Secret:   service.JWTSecret,
	})

	backend.New(&backend.Builder{
		DB:           db,
		Router:       router,
		Gate:         gate,
		UpdateSchema: true,
	})

	logger.Default().Infoln("listen on port :" + service.Port)
	http.ListenAndServe(":"+service.Port, router)
}
