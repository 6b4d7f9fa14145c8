package transport

import (
	"context"
	"fmt"
	"net"

	utls "github.com/sardanioss/utls"

	"github.com/sardanioss/proxycloak/keylog"
)

// handshake runs a client handshake on raw using the ClientHello of id.
// ALPN is restricted to http/1.1 since the connection is handed to the
// HTTP/1.1 client.
func handshake(ctx context.Context, raw net.Conn, serverName string, id utls.ClientHelloID, insecure bool, sessions utls.ClientSessionCache) (net.Conn, error) {
	spec, err := utls.UTLSIdToSpec(id)
	if err != nil {
		raw.Close()
		return nil, NewTLSError("client_hello", serverName, fmt.Errorf("%s: %w", id.Str(), err))
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	cfg := &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		ClientSessionCache: sessions,
		KeyLogWriter:       keylog.Writer(),
	}
	conn := utls.UClient(raw, cfg, utls.HelloCustom)
	if err := conn.ApplyPreset(&spec); err != nil {
		raw.Close()
		return nil, NewTLSError("client_hello", serverName, err)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, NewTLSError("tls_handshake", serverName, err)
	}
	return conn, nil
}
