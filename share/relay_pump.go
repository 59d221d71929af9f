package wrshare

import (
	"io"
)

// pumpClientToOutbound copies every chunk after the address header from the client channel to
// the outbound connection, in order. It returns nil when the client sequence ends normally.
func (s *Session) pumpClientToOutbound() error {
	for {
		chunk, err := s.channel.Next()
		if err == io.EOF {
			s.DLogf("Client stream ended")
			return nil
		}
		if err != nil {
			if s.isCancelled() {
				return nil
			}
			s.DLogf("Client stream failed: %s", err)
			return err
		}
		if len(chunk) == 0 {
			continue
		}
		if _, err := s.outbound.Write(chunk); err != nil {
			if s.isCancelled() {
				return nil
			}
			s.DLogf("Write to outbound connection failed: %s", err)
			return &TransportWriteError{Target: "outbound", Err: err}
		}
	}
}

// pumpOutboundToClient copies data read from the outbound connection to the client channel,
// one message per read, applying the response header policy to the first message.
func (s *Session) pumpOutboundToClient() error {
	buf := make([]byte, s.config.bufferSize())
	for {
		n, err := s.outbound.Read(buf)
		if n > 0 {
			if sendErr := s.channel.Send(s.frameOutbound(buf[:n])); sendErr != nil {
				if s.isCancelled() {
					return nil
				}
				werr := &TransportWriteError{Target: "client", Err: sendErr}
				s.DLogf("%s", werr)
				s.teardown(werr)
				return werr
			}
		}
		if err == io.EOF {
			s.DLogf("Outbound read side is closed")
			s.teardown(nil)
			return nil
		}
		if err != nil {
			if s.isCancelled() {
				return nil
			}
			rerr := &TransportReadError{Source: "outbound", Err: err}
			s.ELogf("%s", rerr)
			s.teardown(rerr)
			return rerr
		}
	}
}

// frameOutbound applies the response header policy: the first chunk sent to the client is
// prefixed with the configured response header, if any. Every later chunk is passed through.
func (s *Session) frameOutbound(chunk []byte) []byte {
	if s.headerSent {
		return chunk
	}
	s.headerSent = true
	header := s.config.ResponseHeader
	if len(header) == 0 {
		return chunk
	}
	framed := make([]byte, 0, len(header)+len(chunk))
	framed = append(framed, header...)
	return append(framed, chunk...)
}
