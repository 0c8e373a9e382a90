package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr).
const firstFD = 3

// Socket is one socket handed over by systemd.
type Socket struct {
	// Name comes from FileDescriptorName= in the socket unit. systemd
	// defaults it to the unit name.
	Name     string
	Listener net.Listener
}

// environment describes a parsed LISTEN_* block.
type environment struct {
	count int
	names []string
}

// parseEnv reads the LISTEN_* variables through getenv. A zero count means
// activation is absent or meant for another process.
func parseEnv(getenv func(string) string, pid int) (environment, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return environment{}, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return environment{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return environment{}, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return environment{}, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return environment{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return environment{}, nil
	}

	env := environment{count: count, names: make([]string, count)}
	if raw := getenv("LISTEN_FDNAMES"); raw != "" {
		names := strings.Split(raw, ":")
		if len(names) != count {
			return environment{}, fmt.Errorf("LISTEN_FDNAMES has %d names for %d descriptors", len(names), count)
		}
		copy(env.names, names)
	}
	return env, nil
}

// Sockets returns the systemd-activated sockets, or nil when the process was
// not socket activated. The LISTEN_* variables are unset afterwards so child
// processes don't inherit them.
func Sockets() ([]Socket, error) {
	env, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil || env.count == 0 {
		return nil, err
	}

	sockets := make([]Socket, 0, env.count)
	for i := 0; i < env.count; i++ {
		fd := firstFD + i
		name := env.names[i]
		if name == "" {
			name = fmt.Sprintf("systemd-socket-%d", i)
		}
		file := os.NewFile(uintptr(fd), name)
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor.
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		sockets = append(sockets, Socket{Name: env.names[i], Listener: listener})
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return sockets, nil
}

// Listener returns the activated socket called name, or the first one when
// name is empty. Sockets that are not returned are closed. It returns nil
// without error when the process was not socket activated.
func Listener(name string) (net.Listener, error) {
	sockets, err := Sockets()
	if err != nil || len(sockets) == 0 {
		return nil, err
	}
	idx := pick(sockets, name)
	if idx < 0 {
		closeAll(sockets)
		return nil, fmt.Errorf("no activated socket named %q", name)
	}
	for i, s := range sockets {
		if i != idx {
			_ = s.Listener.Close()
		}
	}
	return sockets[idx].Listener, nil
}

func pick(sockets []Socket, name string) int {
	if name == "" {
		return 0
	}
	for i, s := range sockets {
		if s.Name == name {
			return i
		}
	}
	// Units without FileDescriptorName= pass no names at all.
	if len(sockets) == 1 && sockets[0].Name == "" {
		return 0
	}
	return -1
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
