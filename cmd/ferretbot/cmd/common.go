package cmd

import (
	"fmt"
	"os"

	"github.com/ferretbot/ferretbot/internal/config"
	"github.com/ferretbot/ferretbot/internal/ipc"
)

func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

// dialGateway connects a client using the resolved --socket/--host/--port
// flags, falling back to the project config when neither is set.
func dialGateway() (*ipc.Client, error) {
	dir, err := getWorkDir()
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}

	network, address := socketPath, ""
	switch {
	case tcpHost != "":
		network, address = "tcp", fmt.Sprintf("%s:%d", tcpHost, tcpPort)
	case socketPath != "":
		network, address = "unix", socketPath
	default:
		cfg, err := config.LoadFromDir(dir)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		if sock := cfg.SocketPath(dir); sock != "" {
			network, address = "unix", sock
		} else if cfg.IPC.Host != "" {
			network, address = "tcp", fmt.Sprintf("%s:%d", cfg.IPC.Host, cfg.IPC.Port)
		} else {
			return nil, fmt.Errorf("no ipc socket or host configured; pass --socket or --host/--port")
		}
	}

	c, err := ipc.Dial(network, address, cmdTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to ferretbot gateway at %s %s: %w", network, address, err)
	}
	return c, nil
}
