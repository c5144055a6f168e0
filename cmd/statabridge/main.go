// Command statabridge runs the Execution API / Streaming Layer / MCP
// Adapter server over a local Engine installation. Flag parsing mirrors
// the reference CLI's manual os.Args loop rather than the flag package,
// with the full set deferred to internal/config.Parse.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/statabridge/server/internal/config"
	"github.com/statabridge/server/internal/logging"
	"github.com/statabridge/server/internal/server"
)

func main() {
	if len(os.Args) >= 2 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		usage()
		os.Exit(0)
	}

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}

	logOut, closeLog, err := openLogOutput(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	logger := logging.New(logOut, "[statabridge] ", cfg.LogLevel)

	if _, err := os.Stat(cfg.StataPath); cfg.StataPath != "" && err != nil {
		fmt.Fprintf(os.Stderr, "stata-path %q: %v\n", cfg.StataPath, err)
		os.Exit(1)
	}

	addr, err := resolveAddr(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := srv.ListenAndServe(addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveAddr picks the bind address. Without --force-port, a busy port
// is bumped upward until a free one is found instead of failing outright,
// since the server is meant to start cleanly alongside other local tools
// that may already hold the default port.
func resolveAddr(cfg config.Config) (string, error) {
	if cfg.ForcePort {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		if err := probeListen(addr); err != nil {
			return "", fmt.Errorf("bind %s: %w", addr, err)
		}
		return addr, nil
	}

	const maxAttempts = 50
	for port := cfg.Port; port < cfg.Port+maxAttempts; port++ {
		addr := fmt.Sprintf("%s:%d", cfg.Host, port)
		if err := probeListen(addr); err == nil {
			return addr, nil
		}
	}
	return "", fmt.Errorf("no free port found near %d after %d attempts", cfg.Port, maxAttempts)
}

func probeListen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return l.Close()
}

// openLogOutput returns the writer internal/logging should write to,
// rooted per --log-file-location, plus a closer for main to defer.
func openLogOutput(cfg config.Config) (*os.File, func(), error) {
	if cfg.LogFile == "" {
		return os.Stderr, func() {}, nil
	}
	path, err := logFilePath(cfg)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func logFilePath(cfg config.Config) (string, error) {
	switch cfg.LogFileLocation {
	case config.LogLocationCustom:
		if cfg.CustomLogDir == "" {
			return "", fmt.Errorf("--custom-log-directory is required when --log-file-location=custom")
		}
		return cfg.CustomLogDir + "/" + cfg.LogFile, nil
	case config.LogLocationWorkspace:
		root := cfg.WorkspaceRoot
		if root == "" {
			root = "."
		}
		return root + "/" + cfg.LogFile, nil
	default:
		// dofile/parent/extension are resolved per run_file call
		// against the submitted do-file's own location
		// (internal/engineproc/logpath.go), since only a file-based
		// run has a source path to resolve against; the top-level
		// --log-file here is just the server process's own log
		// destination, independent of any session's run log.
		return cfg.LogFile, nil
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: statabridge [flags]")
	fmt.Fprintln(os.Stderr, "  --host <addr>                  bind host (default 127.0.0.1)")
	fmt.Fprintln(os.Stderr, "  --port <n>                     bind port (default 4000)")
	fmt.Fprintln(os.Stderr, "  --force-port                   fail instead of bumping to the next free port")
	fmt.Fprintln(os.Stderr, "  --stata-path <path>            path to the Engine executable")
	fmt.Fprintln(os.Stderr, "  --stata-edition <mp|se|be>     Engine edition (default mp)")
	fmt.Fprintln(os.Stderr, "  --log-file <path>              server log destination (default stderr)")
	fmt.Fprintln(os.Stderr, "  --log-file-location <mode>     dofile|parent|workspace|extension|custom")
	fmt.Fprintln(os.Stderr, "  --custom-log-directory <dir>   required when --log-file-location=custom")
	fmt.Fprintln(os.Stderr, "  --workspace-root <dir>         root for session subdirectories")
	fmt.Fprintln(os.Stderr, "  --result-display-mode <mode>  compact|full (default compact)")
	fmt.Fprintln(os.Stderr, "  --max-output-tokens <n>        0 means unlimited (default 4000)")
	fmt.Fprintln(os.Stderr, "  --log-level <level>            DEBUG|INFO|WARN|ERROR (default INFO)")
	fmt.Fprintln(os.Stderr, "  --multi-session                allow more than one concurrent session")
	fmt.Fprintln(os.Stderr, "  --max-sessions <n>             cap on concurrent sessions (default 8)")
	fmt.Fprintln(os.Stderr, "  --session-timeout <seconds>    idle session eviction (default 1800)")
	fmt.Fprintln(os.Stderr, "  --config-file <path>           YAML config layered beneath these flags")
}
