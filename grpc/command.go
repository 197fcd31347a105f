package grpc

import (
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/queryboost/queryboost-go/stream"
	"github.com/queryboost/queryboost-go/version"
)

// RunCommand is sent as the Flight descriptor of every exchange
type RunCommand struct {
	Prompt string `json:"prompt"`
	// NumGPUs is a hint passed through to the service, nil lets it choose
	NumGPUs *int `json:"num_gpus"`
	// NumRows is the input size when known up front
	NumRows         *int64 `json:"num_rows"`
	Name            string `json:"name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion int64  `json:"protocol_version"`
}

func NewRunCommand(name, prompt string) RunCommand {
	return RunCommand{
		Prompt:          prompt,
		Name:            name,
		ClientVersion:   version.Version,
		ProtocolVersion: version.ProtocolVersion,
	}
}

func (c RunCommand) Descriptor() (*flight.FlightDescriptor, error) {
	cmd, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd}, nil
}

// batchMetadata is the app metadata of request and result messages
type batchMetadata struct {
	BatchIdx *int64 `json:"batch_idx,omitempty"`
	Event    string `json:"event,omitempty"`
	Message  string `json:"message,omitempty"`
}

func encodeBatchMetadata(idx int64) ([]byte, error) {
	return json.Marshal(batchMetadata{BatchIdx: &idx})
}

func decodeBatchMetadata(b []byte) (batchMetadata, error) {
	var m batchMetadata
	if len(b) == 0 {
		return m, fmt.Errorf("%w: result batch without metadata", stream.ErrProtocolViolation)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: invalid result metadata: %w", stream.ErrProtocolViolation, err)
	}
	if m.BatchIdx == nil {
		return m, fmt.Errorf("%w: result metadata has no batch_idx", stream.ErrProtocolViolation)
	}
	return m, nil
}

// decodeServerEvent reads a metadata-only message
func decodeServerEvent(b []byte) (*stream.ServerEvent, error) {
	var ev stream.ServerEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, fmt.Errorf("invalid server event %q: %w", b, err)
	}
	return &ev, nil
}
