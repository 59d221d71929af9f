// Package addrheader decodes and encodes the compact binary addressing prefix that begins
// every relayed connection. The layout is the SOCKS5 address encoding without any
// authentication or encryption:
//
//	+------+----------------------+----------+-----------------+
//	| ATYP | DST.ADDR             | DST.PORT | payload ...     |
//	+------+----------------------+----------+-----------------+
//	|  1   | 4 / 1+N / 16         |  2 (BE)  | remaining bytes |
//	+------+----------------------+----------+-----------------+
package addrheader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// AddressType identifies the encoding of the destination address
type AddressType byte

const (
	// AddressTypeIPv4 is a 4-byte IPv4 address
	AddressTypeIPv4 AddressType = 1

	// AddressTypeDomainName is a length-prefixed UTF-8 domain name
	AddressTypeDomainName AddressType = 3

	// AddressTypeIPv6 is a 16-byte IPv6 address
	AddressTypeIPv6 AddressType = 4
)

// MinHeaderLength is the shortest buffer that can possibly hold a header: one type
// byte, the smallest address and two port bytes.
const MinHeaderLength = 7

const maxDomainLength = 255

var (
	// ErrHeaderTooShort is returned when the buffer ends before the header does
	ErrHeaderTooShort = errors.New("addrheader: invalid data length")

	// ErrUnsupportedAddressType is matched (with errors.Is) by every *UnsupportedAddressTypeError
	ErrUnsupportedAddressType = errors.New("addrheader: unsupported address type")

	// ErrEmptyAddress is returned when the decoded host is empty
	ErrEmptyAddress = errors.New("addrheader: address is empty")

	// ErrDomainTooLong is returned by Encode for domain names that do not fit in a length byte
	ErrDomainTooLong = errors.New("addrheader: domain name longer than 255 bytes")
)

// UnsupportedAddressTypeError reports an address type byte that is not IPv4, DomainName or IPv6
type UnsupportedAddressTypeError struct {
	Type byte
}

func (e *UnsupportedAddressTypeError) Error() string {
	return fmt.Sprintf("addrheader: invalid addressType: %d", e.Type)
}

// Is allows errors.Is(err, ErrUnsupportedAddressType)
func (e *UnsupportedAddressTypeError) Is(target error) bool {
	return target == ErrUnsupportedAddressType
}

func (t AddressType) String() string {
	switch t {
	case AddressTypeIPv4:
		return "ipv4"
	case AddressTypeDomainName:
		return "domain"
	case AddressTypeIPv6:
		return "ipv6"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Header is a decoded addressing prefix. It is immutable once returned from Decode.
type Header struct {
	Type AddressType
	Host string
	Port uint16

	// Remainder is the part of the decoded buffer that follows the port field. It
	// shares storage with the buffer passed to Decode and may be empty.
	Remainder []byte
}

// Address returns the destination as "host:port", bracketing IPv6 hosts
func (h *Header) Address() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(int(h.Port)))
}

func (h *Header) String() string {
	return fmt.Sprintf("%s %s (+%d bytes)", h.Type, h.Address(), len(h.Remainder))
}

// Decode parses the addressing header at the front of buf
func Decode(buf []byte) (*Header, error) {
	if len(buf) < MinHeaderLength {
		return nil, ErrHeaderTooShort
	}

	h := &Header{Type: AddressType(buf[0])}
	addrIndex := 1
	addrLen := 0

	switch h.Type {
	case AddressTypeIPv4:
		addrLen = net.IPv4len
		b := buf[addrIndex : addrIndex+addrLen]
		h.Host = fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	case AddressTypeDomainName:
		addrLen = int(buf[addrIndex])
		addrIndex++
		if len(buf) < addrIndex+addrLen {
			return nil, ErrHeaderTooShort
		}
		h.Host = strings.ToValidUTF8(string(buf[addrIndex:addrIndex+addrLen]), "\uFFFD")
	case AddressTypeIPv6:
		addrLen = net.IPv6len
		if len(buf) < addrIndex+addrLen {
			return nil, ErrHeaderTooShort
		}
		h.Host = formatIPv6Groups(buf[addrIndex : addrIndex+addrLen])
	default:
		return nil, &UnsupportedAddressTypeError{Type: buf[0]}
	}

	if h.Host == "" {
		return nil, ErrEmptyAddress
	}

	portIndex := addrIndex + addrLen
	if len(buf) < portIndex+2 {
		return nil, ErrHeaderTooShort
	}
	h.Port = binary.BigEndian.Uint16(buf[portIndex:])
	h.Remainder = buf[portIndex+2:]

	return h, nil
}

// formatIPv6Groups renders eight big-endian 16-bit groups in lowercase hex without
// padding or zero compression, e.g. "2001:db8:0:0:0:0:0:1".
func formatIPv6Groups(b []byte) string {
	groups := make([]string, 8)
	for i := range groups {
		groups[i] = strconv.FormatUint(uint64(binary.BigEndian.Uint16(b[i*2:])), 16)
	}
	return strings.Join(groups, ":")
}

// Encode builds a header for host and port followed by payload. IP literals are
// encoded as IPv4 or IPv6 addresses; anything else is sent as a domain name.
func Encode(host string, port uint16, payload []byte) ([]byte, error) {
	if host == "" {
		return nil, ErrEmptyAddress
	}

	var buf []byte
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil && !strings.Contains(host, ":") {
			buf = make([]byte, 0, 1+net.IPv4len+2+len(payload))
			buf = append(buf, byte(AddressTypeIPv4))
			buf = append(buf, ip4...)
		} else {
			buf = make([]byte, 0, 1+net.IPv6len+2+len(payload))
			buf = append(buf, byte(AddressTypeIPv6))
			buf = append(buf, ip.To16()...)
		}
	} else {
		if len(host) > maxDomainLength {
			return nil, ErrDomainTooLong
		}
		buf = make([]byte, 0, 2+len(host)+2+len(payload))
		buf = append(buf, byte(AddressTypeDomainName), byte(len(host)))
		buf = append(buf, host...)
	}

	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], port)
	buf = append(buf, portBytes[:]...)
	buf = append(buf, payload...)

	return buf, nil
}
