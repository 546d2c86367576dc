package control

import (
	"context"
	"encoding/json"

	"github.com/castkit/simulcastd/errors"
)

// requestTypeGetStreamStatus is the typed status query request.
const requestTypeGetStreamStatus = "GetStreamStatus"

// StreamStatus is the decoded response of the status query.
type StreamStatus struct {
	Active        bool    `json:"outputActive"`
	Reconnecting  bool    `json:"outputReconnecting"`
	Timecode      string  `json:"outputTimecode"`
	DurationMs    int64   `json:"outputDuration"`
	Congestion    float64 `json:"outputCongestion"`
	Bytes         int64   `json:"outputBytes"`
	SkippedFrames int64   `json:"outputSkippedFrames"`
	TotalFrames   int64   `json:"outputTotalFrames"`
}

// GetStreamStatus issues one typed status request. It fails with the same
// taxonomy as Send.
func (c *Client) GetStreamStatus(ctx context.Context) (*StreamStatus, error) {
	data, err := c.Send(ctx, requestTypeGetStreamStatus, nil)
	if err != nil {
		return nil, err
	}

	var status StreamStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, errors.WrapInvalid(err, "ControlClient", "GetStreamStatus", "decode response")
	}
	return &status, nil
}
