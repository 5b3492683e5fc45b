// Package main is the AWS Lambda entry point for gitlab-mr-syncer.
// It is meant to be invoked on a schedule (EventBridge rule); each
// invocation performs one sync run.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/config"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/syncer"
)

// Response is the Lambda invocation result.
type Response struct {
	StatusCode       int `json:"statusCode"`
	RecordsProcessed int `json:"recordsProcessed"`
}

var app *syncer.Syncer

func init() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.FromEnv()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	log := logger.WithField("app", "gitlab-mr-syncer")

	app, err = syncer.New(context.Background(), cfg, log)
	if err != nil {
		logger.WithError(err).Fatal("initializing syncer")
	}
}

func handleRequest(ctx context.Context) (Response, error) {
	sum := app.RunOnce(ctx)
	return Response{
		StatusCode:       sum.StatusCode(),
		RecordsProcessed: sum.Upserted,
	}, nil
}

func main() {
	lambda.Start(handleRequest)
}
