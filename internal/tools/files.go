package tools

import "context"

// FileWorkspace is the subset of workspace.Workspace the file tools need.
type FileWorkspace interface {
	WriteTextFile(path, content string) error
	ReadTextFile(path string) (string, error)
	Exists(path string) bool
	RemovePath(path string) error
}

// RegisterFileTools adds read_file, write_file, and file_exists tools that
// delegate to ws, scoping every agent file access to the workspace.
func RegisterFileTools(r *Registry, ws FileWorkspace) {
	r.Register(Descriptor{
		Name:        "read_file",
		Description: "Read a text file from the workspace.",
		Schema: Schema{
			Type:       "object",
			Properties: map[string]Schema{"path": {Type: "string"}},
			Required:   []string{"path"},
		},
	}, func(ctx context.Context, in ExecuteInput) (ExecuteResult, error) {
		path, _ := in.Arguments["path"].(string)
		content, err := ws.ReadTextFile(path)
		if err != nil {
			return ExecuteResult{ExitCode: -1, Error: err.Error()}, nil
		}
		return ExecuteResult{Output: content, ExitCode: 0}, nil
	})

	r.Register(Descriptor{
		Name:        "write_file",
		Description: "Write a text file in the workspace, creating parent directories as needed.",
		Schema: Schema{
			Type: "object",
			Properties: map[string]Schema{
				"path":    {Type: "string"},
				"content": {Type: "string"},
			},
			Required: []string{"path", "content"},
		},
	}, func(ctx context.Context, in ExecuteInput) (ExecuteResult, error) {
		path, _ := in.Arguments["path"].(string)
		content, _ := in.Arguments["content"].(string)
		if err := ws.WriteTextFile(path, content); err != nil {
			return ExecuteResult{ExitCode: -1, Error: err.Error()}, nil
		}
		return ExecuteResult{Output: "wrote " + path, ExitCode: 0}, nil
	})

	r.Register(Descriptor{
		Name:        "file_exists",
		Description: "Check whether a path exists in the workspace.",
		Schema: Schema{
			Type:       "object",
			Properties: map[string]Schema{"path": {Type: "string"}},
			Required:   []string{"path"},
		},
	}, func(ctx context.Context, in ExecuteInput) (ExecuteResult, error) {
		path, _ := in.Arguments["path"].(string)
		if ws.Exists(path) {
			return ExecuteResult{Output: "true", ExitCode: 0}, nil
		}
		return ExecuteResult{Output: "false", ExitCode: 0}, nil
	})
}
