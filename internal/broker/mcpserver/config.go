// Package mcpserver implements the embedded MCP Tool Server (C4): a
// single-tool, stdio-transport MCP server exposing `return_tasks` to the
// ACP agent the broker spawns. It is also built as the standalone
// cmd/mcp-tool-server binary for CLI/dev use.
package mcpserver

// ServerConfig holds the --task-mcp-server CLI options (spec.md §6).
type ServerConfig struct {
	// TasksOut, if set, receives a verbatim copy of the return_tasks
	// payload, for debugging and for the mock-acp-agent harness.
	TasksOut string
	// LogFile, if set, receives timestamped log lines for each tool
	// invocation (one per handler step).
	LogFile string
	// PRContext is a path to a JSON-encoded domain.PullRequestContext.
	// Missing or unparsable, the server falls back to a placeholder PR.
	PRContext string
	// DBPath, if set, is the SQLite database path used when the ambient
	// config's database driver is not "postgres"; it takes precedence over
	// DB_PATH and database.path. With the postgres driver it is ignored.
	DBPath string
}

// ParseArgs parses the subset of os.Args this server recognizes:
// --tasks-out, --log-file, --pr-context, --db-path. Unrecognized flags are
// ignored so the binary can be invoked as `--task-mcp-server <these flags>`
// by the orchestrator without it needing to strip its own dispatch flag.
func ParseArgs(args []string) ServerConfig {
	var cfg ServerConfig
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tasks-out":
			if i+1 < len(args) {
				cfg.TasksOut = args[i+1]
				i++
			}
		case "--log-file":
			if i+1 < len(args) {
				cfg.LogFile = args[i+1]
				i++
			}
		case "--pr-context":
			if i+1 < len(args) {
				cfg.PRContext = args[i+1]
				i++
			}
		case "--db-path":
			if i+1 < len(args) {
				cfg.DBPath = args[i+1]
				i++
			}
		}
	}
	return cfg
}
