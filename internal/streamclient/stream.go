package streamclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/agentworkforce/relaychat/internal/logx"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const maxFrameBytes = 1 << 20

var (
	heartbeatPayload    = []byte(`{"server":"ping"}`)
	invalidTokenPayload = []byte(`{"server_reponse":"invalid token"}`)
)

// Event is one frame read from the delivery stream.
type Event struct {
	Heartbeat bool
	Sendable  relaychat.Sendable
}

// ScanFrames is a bufio.SplitFunc that yields frame payloads with the
// trailing delimiter removed.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte(relaychat.FrameDelimiter)); i >= 0 {
		return i + len(relaychat.FrameDelimiter), data[:i], nil
	}
	if atEOF {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return 0, nil, nil
}

// ParseFrame decodes a single frame payload.
func ParseFrame(payload []byte) (Event, error) {
	payload = bytes.TrimSpace(payload)
	switch {
	case bytes.Equal(payload, heartbeatPayload):
		return Event{Heartbeat: true}, nil
	case bytes.Equal(payload, invalidTokenPayload):
		return Event{}, relaychat.ErrInvalidToken
	}
	var s relaychat.Sendable
	if err := json.Unmarshal(payload, &s); err != nil {
		return Event{}, err
	}
	return Event{Sendable: s}, nil
}

// Stream opens the delivery stream once and calls handle for every frame
// until ctx ends, the server closes the stream, or handle returns an error.
func (c *Client) Stream(ctx context.Context, handle func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-Id", correlationID())

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	scanner.Split(ScanFrames)

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			return &HTTPError{StatusCode: resp.StatusCode, Code: "unauthorized", Message: "invalid token"}
		}
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
		return decodeHTTPError(resp.StatusCode, payload)
	}

	for scanner.Scan() {
		ev, err := ParseFrame(scanner.Bytes())
		if err != nil {
			return fmt.Errorf("parse frame: %w", err)
		}
		if err := handle(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return io.EOF
}

type FollowOptions struct {
	// AutoAck acknowledges every chat message after handle accepts it.
	AutoAck bool
	Logger  logx.Logger
}

// Follow keeps a delivery stream open, reconnecting with backoff after
// transport failures. It returns when ctx ends, handle fails, or the token is
// rejected.
func (c *Client) Follow(ctx context.Context, opts FollowOptions, handle func(Event) error) error {
	var handlerErr error
	attempt := 0
	for {
		err := c.Stream(ctx, func(ev Event) error {
			attempt = 0
			if err := handle(ev); err != nil {
				handlerErr = err
				return err
			}
			if !opts.AutoAck || ev.Heartbeat {
				return nil
			}
			msg, ok := ev.Sendable.Message()
			if !ok {
				return nil
			}
			if err := c.Acknowledge(ctx, msg.Chat, msg.ID); err != nil {
				opts.Logger.Warn("acknowledge failed",
					logx.Uint64("chat", uint64(msg.Chat)),
					logx.Uint64("id", uint64(msg.ID)),
					logx.Err(err),
				)
			}
			return nil
		})
		switch {
		case handlerErr != nil:
			return handlerErr
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, relaychat.ErrInvalidToken):
			return err
		}
		attempt++
		delay := c.retryDelay(attempt, "")
		opts.Logger.Info("stream disconnected", logx.Err(err), logx.Duration("retry_in", delay))
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}
