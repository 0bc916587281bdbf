package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/ai-detector/internal/config"
)

func TestResolveModelDirLocal(t *testing.T) {
	cfg := &config.Config{ModelDir: "/models/sdxl/../sdxl"}
	dir, err := resolveModelDir(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean("/models/sdxl"), dir)
}

func TestResolveModelDirRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/acme/detector/resolve/main/onnx/model.onnx":
			io.WriteString(w, "weights")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := &config.Config{
		ModelID:  "acme/detector",
		Revision: "main",
		ONNXFile: "onnx/model.onnx",
		HubURL:   srv.URL,
		CacheDir: t.TempDir(),
	}
	dir, err := resolveModelDir(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "onnx", "model.onnx"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestResolveModelDirRegistryMissingWeights(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := &config.Config{
		ModelID:  "acme/detector",
		ONNXFile: "onnx/model.onnx",
		HubURL:   srv.URL,
		CacheDir: t.TempDir(),
	}
	_, err := resolveModelDir(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestRootCmdRejectsBadConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--device", "tpu"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}
