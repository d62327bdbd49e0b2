// ABOUTME: Command-line client that calls a gateway method over gRPC
// ABOUTME: Params are key=value pairs; values that parse as JSON are sent as JSON

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/2389/comcenter/internal/config"
	"github.com/2389/comcenter/internal/rpc"
)

// grpcAddr resolves the address for call: COMCENTER_GRPC, else the first
// grpc server in the config.
func grpcAddr() (string, error) {
	if addr := os.Getenv("COMCENTER_GRPC"); addr != "" {
		return addr, nil
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	for _, s := range cfg.Servers {
		if s.Type == config.ServerGRPC {
			return s.Addr, nil
		}
	}
	return "", fmt.Errorf("no grpc server configured (set COMCENTER_GRPC)")
}

// parseParams turns key=value arguments into named params.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("param %q is not key=value", arg)
		}

		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

func runCall(ctx context.Context, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: call <method> [key=value ...]")
	}

	params, err := parseParams(args[1:])
	if err != nil {
		return err
	}

	addr, err := grpcAddr()
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	return call(ctx, rpc.NewGRPCClient(conn), out, args[0], params)
}

func call(ctx context.Context, client *rpc.GRPCClient, out io.Writer, method string, params map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := client.Call(ctx, method, params)
	if err != nil {
		if code, ok := rpc.CodeFromError(err); ok {
			return fmt.Errorf("%s failed with code %d: %w", method, int(code), err)
		}
		return fmt.Errorf("%s: %w", method, err)
	}

	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	color.New(color.FgGreen).Fprintln(out, string(b))
	return nil
}
