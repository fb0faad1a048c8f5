// Package api provides the local Unix socket control protocol used by the
// syncd CLI's `status` subcommand to query a running daemon, the syncd
// analogue of the teacher's local control socket for copy/paste/status.
package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command represents the type of command sent by the client. Unlike the
// teacher's protocol, syncd's control socket has no mutating commands —
// copy/paste is clipboard-specific and out of scope here.
type Command string

// CommandStatus is the only command this protocol defines.
const CommandStatus Command = "STATUS"

// Response represents the type of response sent by the server.
type Response string

const (
	ResponseOK    Response = "OK"
	ResponseError Response = "ERROR"
)

// StatusResponse contains information about the daemon's current state.
type StatusResponse struct {
	ServerName       string    `json:"server_name"`
	Version          string    `json:"version"`
	ListenAddr       string    `json:"listen_addr"`
	StorageBackend   string    `json:"storage_backend"`
	ClusterBackend   string    `json:"cluster_backend"`
	StartedAt        time.Time `json:"started_at"`
	ConnectedSockets int       `json:"connected_sockets"`
}

// ParseRequest parses a command line into a Command. On the wire a request
// is "COMMAND\n"; line must already have its trailing newline and
// surrounding whitespace trimmed.
func ParseRequest(line string) (Command, error) {
	if line == "" {
		return "", fmt.Errorf("empty command")
	}

	cmd := Command(line)
	if cmd != CommandStatus {
		return "", fmt.Errorf("unknown command: %s", line)
	}
	return cmd, nil
}

// FormatResponse formats a response for transmission.
func FormatResponse(resp Response, data any) ([]byte, error) {
	switch resp {
	case ResponseOK:
		status, ok := data.(*StatusResponse)
		if !ok {
			return nil, fmt.Errorf("unsupported response data type: %T", data)
		}
		jsonData, err := json.Marshal(status)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}
		return append([]byte("STATUS "), append(jsonData, '\n')...), nil
	case ResponseError:
		msg, _ := data.(string)
		if msg == "" {
			msg = "unknown error"
		}
		return []byte(fmt.Sprintf("ERROR %s\n", msg)), nil
	default:
		return nil, fmt.Errorf("unknown response type: %s", resp)
	}
}
