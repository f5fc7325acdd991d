package obd

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Sender is the transport operation the client needs.
type Sender interface {
	Send(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// Client issues OBD requests over a Sender and decodes the replies.
// Transport errors are returned unchanged apart from wrapping.
type Client struct {
	tr      Sender
	timeout time.Duration
}

// NewClient returns a client using the transport's default timeout.
func NewClient(tr Sender) *Client {
	return &Client{tr: tr}
}

// WithTimeout returns a copy of c using timeout for every request.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	return &Client{tr: c.tr, timeout: timeout}
}

// ReadPID requests a Mode 01 PID by name or code and decodes it.
func (c *Client) ReadPID(ctx context.Context, nameOrCode string) (Reading, error) {
	p, err := Lookup(nameOrCode)
	if err != nil {
		return Reading{}, err
	}
	raw, err := c.tr.Send(ctx, p.Request(), c.timeout)
	if err != nil {
		return Reading{}, fmt.Errorf("obd: read %s: %w", p.Name, err)
	}
	return ParseReading(p.Name, raw)
}

// ReadDTCs requests the stored trouble codes.
func (c *Client) ReadDTCs(ctx context.Context) ([]DTC, error) {
	raw, err := c.tr.Send(ctx, "03", c.timeout)
	if err != nil {
		return nil, fmt.Errorf("obd: read dtcs: %w", err)
	}
	seq, err := ParseDTCs(raw)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// ClearDTCs clears stored trouble codes. It reports whether the ECU
// acknowledged with OK or the 44 positive response.
func (c *Client) ClearDTCs(ctx context.Context) (bool, error) {
	raw, err := c.tr.Send(ctx, "04", c.timeout)
	if err != nil {
		return false, fmt.Errorf("obd: clear dtcs: %w", err)
	}
	resp := strings.ToUpper(strings.TrimSpace(raw))
	return resp == "OK" || strings.Contains(resp, "44"), nil
}

// ReadVIN requests and decodes the vehicle identification number.
func (c *Client) ReadVIN(ctx context.Context) (string, error) {
	return c.readInfo(ctx, "vin", 0x02)
}

// ReadCalibrationID requests Mode 09 PID 04.
func (c *Client) ReadCalibrationID(ctx context.Context) (string, error) {
	return c.readInfo(ctx, "calibration_id", 0x04)
}

// ReadECUName requests Mode 09 PID 0A.
func (c *Client) ReadECUName(ctx context.Context) (string, error) {
	return c.readInfo(ctx, "ecu_name", 0x0A)
}

func (c *Client) readInfo(ctx context.Context, name string, infoType byte) (string, error) {
	req, err := BuildRequest(name)
	if err != nil {
		return "", err
	}
	raw, err := c.tr.Send(ctx, req, c.timeout)
	if err != nil {
		return "", fmt.Errorf("obd: read %s: %w", name, err)
	}
	return ParseInfo(infoType, raw)
}
