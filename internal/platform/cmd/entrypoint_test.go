package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

func TestRunWithTelemetryRequiresServiceName(t *testing.T) {
	err := RunWithTelemetry(context.Background(), "  ", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error for blank service name")
	}
}

func TestRunWithTelemetryRequiresRunFunc(t *testing.T) {
	if err := RunWithTelemetry(context.Background(), ServiceLobby, nil); err == nil {
		t.Fatal("expected error for nil run function")
	}
}

func TestRunWithTelemetryPropagatesRunError(t *testing.T) {
	t.Setenv("AIRCRAFT_OTEL_ENDPOINT", "")

	want := errors.New("serve failed")
	err := RunWithTelemetry(context.Background(), ServiceLobby, func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestParseArgsRequiresFlagSet(t *testing.T) {
	if err := ParseArgs(nil, nil); err == nil {
		t.Fatal("expected error for nil flag set")
	}
}

func TestParseArgsAcceptsNilArgs(t *testing.T) {
	fs := flag.NewFlagSet("lobby", flag.ContinueOnError)
	if err := ParseArgs(fs, nil); err != nil {
		t.Fatalf("parse args: %v", err)
	}
}
