package proxycap

import "crypto/tls"

var tlsClientSkipVerify = &tls.Config{
	InsecureSkipVerify:     true,
	Renegotiation:          tls.RenegotiateOnceAsClient,
	SessionTicketsDisabled: true,
}

var defaultTLSConfig = &tls.Config{
	InsecureSkipVerify:     true,
	Renegotiation:          tls.RenegotiateOnceAsClient,
	SessionTicketsDisabled: true,
	NextProtos:             []string{"http/1.1", "http/1.0"},
}
