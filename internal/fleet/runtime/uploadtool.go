package runtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const uploadToolServerName = "fleetcore-files"
const uploadToolMaxBytes = 10 * 1024 * 1024

// UploadFunc is the caller-provided upload step required by §4.5's file
// upload tool contract: once the handler has validated the requested path
// and read its bytes, it hands them to UploadFunc rather than deciding for
// itself how the bytes reach the requester. A chat-bound turn supplies one
// bound to the triggering channel/thread; a caller with nothing to upload to
// may pass nil, in which case the handler falls back to returning the file
// base64-encoded in the tool result.
type UploadFunc func(ctx context.Context, filename string, data []byte) (location string, err error)

// NewUploadToolServer returns the injected tool server (§4.5) that lets an
// agent read a file from its own working directory back out to the caller,
// e.g. to attach a generated artifact to a chat reply. workingDir must be an
// absolute, already-resolved path; every requested path is validated against
// it before any file is opened, so the tool can never be used to read outside
// the agent's own sandboxed directory regardless of what the model requests.
func NewUploadToolServer(workingDir string, upload UploadFunc) ToolServer {
	return ToolServer{
		Name:    uploadToolServerName,
		Version: "1",
		Tools: []Tool{
			{
				Name: "read_file",
				Desc: "Reads a file from the agent's working directory and uploads it to the requesting caller.",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string"},
					},
					"required": []string{"path"},
				},
				Handler: readFileHandler(workingDir, upload),
			},
		},
	}
}

func readFileHandler(workingDir string, upload UploadFunc) ToolHandler {
	return func(ctx context.Context, input map[string]any) (string, bool, error) {
		raw, _ := input["path"].(string)
		if raw == "" {
			return "", false, fmt.Errorf("upload tool: missing required \"path\" argument")
		}

		resolved, err := resolveWithinWorkingDir(workingDir, raw)
		if err != nil {
			return "", false, err
		}

		info, err := os.Stat(resolved)
		if err != nil {
			return "", false, fmt.Errorf("upload tool: %w", err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("upload tool: %q is a directory", raw)
		}
		if info.Size() > uploadToolMaxBytes {
			return "", false, fmt.Errorf("upload tool: %q exceeds the %d byte limit", raw, uploadToolMaxBytes)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return "", false, fmt.Errorf("upload tool: %w", err)
		}

		if upload != nil {
			location, err := upload(ctx, filepath.Base(resolved), data)
			if err != nil {
				return "", false, fmt.Errorf("upload tool: uploading %q: %w", raw, err)
			}
			return location, true, nil
		}
		return base64.StdEncoding.EncodeToString(data), true, nil
	}
}

// resolveWithinWorkingDir resolves requested (which may be relative, and is
// never trusted) against workingDir and rejects it unless the resolved,
// cleaned path still lies under workingDir — the same escape-by-construction
// guarantee package safepath gives identifier-shaped paths, applied here to
// arbitrary file paths a model can request.
func resolveWithinWorkingDir(workingDir, requested string) (string, error) {
	if workingDir == "" {
		return "", fmt.Errorf("upload tool: agent has no working directory configured")
	}
	base, err := filepath.Abs(workingDir)
	if err != nil {
		return "", fmt.Errorf("upload tool: resolving working directory: %w", err)
	}
	base = filepath.Clean(base)

	candidate := requested
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(base, candidate)
	}
	resolved, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("upload tool: resolving requested path: %w", err)
	}
	resolved = filepath.Clean(resolved)

	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", fmt.Errorf("upload tool: path %q escapes the working directory", requested)
	}
	return resolved, nil
}
