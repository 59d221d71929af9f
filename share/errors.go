package wrshare

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/sammck-go/wsrelay/pkg/addrheader"
)

// ErrSessionClosed is returned when an operation races with teardown of its session
var ErrSessionClosed = errors.New("session already closed")

// ConnectError reports a failed outbound connection attempt
type ConnectError struct {
	Host string
	Port uint16
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %s", net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port))), e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// DestinationDeniedError reports a destination rejected by the DestinationPolicy
type DestinationDeniedError struct {
	Address string
}

func (e *DestinationDeniedError) Error() string {
	return fmt.Sprintf("destination %s is not allowed", e.Address)
}

// TransportReadError reports a failed read from one side of the relay. Source is
// "client" or "outbound".
type TransportReadError struct {
	Source string
	Err    error
}

func (e *TransportReadError) Error() string {
	return fmt.Sprintf("read from %s failed: %s", e.Source, e.Err)
}

func (e *TransportReadError) Unwrap() error {
	return e.Err
}

// TransportWriteError reports a failed write to one side of the relay. Target is
// "client" or "outbound".
type TransportWriteError struct {
	Target string
	Err    error
}

func (e *TransportWriteError) Error() string {
	return fmt.Sprintf("write to %s failed: %s", e.Target, e.Err)
}

func (e *TransportWriteError) Unwrap() error {
	return e.Err
}

// EarlyDataError reports an early-data token that is not valid base64
type EarlyDataError struct {
	Err error
}

func (e *EarlyDataError) Error() string {
	return fmt.Sprintf("invalid early data: %s", e.Err)
}

func (e *EarlyDataError) Unwrap() error {
	return e.Err
}

// errorKind returns a short stable label for err, used for metrics
func errorKind(err error) string {
	var (
		connectErr *ConnectError
		deniedErr  *DestinationDeniedError
		readErr    *TransportReadError
		writeErr   *TransportWriteError
		earlyErr   *EarlyDataError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, addrheader.ErrHeaderTooShort):
		return "header_too_short"
	case errors.Is(err, addrheader.ErrUnsupportedAddressType):
		return "unsupported_address_type"
	case errors.Is(err, addrheader.ErrEmptyAddress):
		return "empty_address"
	case errors.As(err, &connectErr):
		return "connect"
	case errors.As(err, &deniedErr):
		return "destination_denied"
	case errors.As(err, &readErr):
		return "read_" + readErr.Source
	case errors.As(err, &writeErr):
		return "write_" + writeErr.Target
	case errors.As(err, &earlyErr):
		return "early_data"
	}
	return "other"
}
