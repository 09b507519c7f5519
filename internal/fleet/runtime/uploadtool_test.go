package runtime

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestUploadTool_FallsBackToBase64WhenNoUploadFunc(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "report.txt", "hello world")

	server := NewUploadToolServer(dir, nil)
	require.Len(t, server.Tools, 1)

	result, success, err := server.Tools[0].Handler(context.Background(), map[string]any{"path": "report.txt"})
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello world")), result)
}

func TestUploadTool_CallsUploadFuncWhenProvided(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "artifact.png", "binary-ish-data")

	var gotName string
	var gotData []byte
	upload := func(ctx context.Context, filename string, data []byte) (string, error) {
		gotName = filename
		gotData = data
		return "https://chat.example/files/123", nil
	}

	server := NewUploadToolServer(dir, upload)
	result, success, err := server.Tools[0].Handler(context.Background(), map[string]any{"path": "artifact.png"})
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, "https://chat.example/files/123", result)
	require.Equal(t, "artifact.png", gotName)
	require.Equal(t, []byte("binary-ish-data"), gotData)
}

func TestUploadTool_RejectsPathEscapingWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	server := NewUploadToolServer(dir, nil)

	_, _, err := server.Tools[0].Handler(context.Background(), map[string]any{"path": "../../etc/passwd"})
	require.Error(t, err)
}

func TestUploadTool_RejectsMissingPathArgument(t *testing.T) {
	dir := t.TempDir()
	server := NewUploadToolServer(dir, nil)

	_, _, err := server.Tools[0].Handler(context.Background(), map[string]any{})
	require.Error(t, err)
}

func TestUploadTool_RejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
	server := NewUploadToolServer(dir, nil)

	_, _, err := server.Tools[0].Handler(context.Background(), map[string]any{"path": "subdir"})
	require.Error(t, err)
}

func TestUploadTool_PropagatesUploadFuncError(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "report.txt", "hello")

	upload := func(ctx context.Context, filename string, data []byte) (string, error) {
		return "", context.DeadlineExceeded
	}
	server := NewUploadToolServer(dir, upload)

	_, success, err := server.Tools[0].Handler(context.Background(), map[string]any{"path": "report.txt"})
	require.Error(t, err)
	require.False(t, success)
}
