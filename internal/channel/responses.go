package channel

import "remote-admin-gateway/internal/ops"

// Server → client result payloads for the command routes.

type fileListResult struct {
	Path    string          `json:"path"`
	Entries []ops.FileEntry `json:"entries"`
}

type packageSearchResults struct {
	Query    string        `json:"query"`
	Manager  string        `json:"manager"`
	Packages []ops.Package `json:"packages"`
}

type packageSearchTimeout struct {
	Query     string `json:"query"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type scriptOutput struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

type scriptResult struct {
	Name     string `json:"name"`
	ExitCode int    `json:"exitCode"`
}
