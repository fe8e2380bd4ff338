// Copyright 2024 The GitBastion Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"github.com/gitbastion/gitbastion/pkg/cmd/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	t := &telemetry{}
	if err := t.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error starting telemetry: %v\n", err)
		return 1
	}
	defer t.Stop()

	http.DefaultTransport = otelhttp.NewTransport(http.DefaultClient.Transport)
	http.DefaultClient.Transport = http.DefaultTransport

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options := server.NewServerOptions(os.Stdout, os.Stderr)
	cmd := server.NewCommandStartServer(ctx, options)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

type telemetry struct {
	tp *trace.TracerProvider
}

func (t *telemetry) Start() error {
	config := os.Getenv("OTEL")
	if config == "" {
		return nil
	}

	if config == "stdout" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("error initializing stdout exporter: %w", err)
		}
		t.tp = trace.NewTracerProvider(trace.WithBatcher(exporter))
		otel.SetTracerProvider(t.tp)
		return nil
	}

	if strings.HasPrefix(config, "otel://") {
		ctx := context.Background()

		u, err := url.Parse(config)
		if err != nil {
			return fmt.Errorf("error parsing url %q: %w", config, err)
		}

		klog.Infof("tracing to %q", config)

		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		conn, err := grpc.DialContext(ctx, u.Host,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err != nil {
			return fmt.Errorf("failed to create gRPC connection to collector: %w", err)
		}

		traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		t.tp = trace.NewTracerProvider(
			trace.WithSpanProcessor(trace.NewBatchSpanProcessor(traceExporter)),
		)
		otel.SetTracerProvider(t.tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		return nil
	}

	return fmt.Errorf("unknown OTEL configuration %q", config)
}

func (t *telemetry) Stop() {
	if t.tp != nil {
		if err := t.tp.Shutdown(context.Background()); err != nil {
			klog.Warningf("failed to shut down telemetry: %v", err)
		}
		t.tp = nil
	}
}
