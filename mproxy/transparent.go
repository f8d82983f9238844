package mproxy

import (
	"crypto/tls"
	"net"

	"mitm_man/http1parser"
	"mitm_man/tlspeek"
)

// HandleClient 透明端点的入口。流量是被NAT引过来的，client以为
// 自己在直连源站：有ClientHello就按SNI签证书立即终止TLS，
// 没有就按明文HTTP处理。
func (ep *TransparentEndpoint) HandleClient(conn net.Conn) {
	proxy := ep.Proxy
	defer conn.Close()

	fs := http1parser.NewFramedStream(conn, proxy.BufferSize)
	params := loopParams{
		transparent:  ep,
		conn:         conn,
		fs:           fs,
		implicitHost: ep.GenericCertName,
		protocol:     "Transparent",
	}

	if ep.TLSEnabled {
		if hello := tlspeek.ClientHello(fs); hello != nil {
			name := hello.SNI
			if name == "" {
				// client没发SNI，用端点配置的兜底名
				name = ep.GenericCertName
			}
			cert, err := proxy.certFor(name, ep.GenericCert)
			if err != nil {
				proxy.reportException(err)
				return
			}
			tlsConn := tls.Server(&replayConn{Conn: conn, fs: fs}, proxy.serverTLSConfig(cert))
			if err := tlsConn.Handshake(); err != nil {
				// 透明端点的握手失败要记日志，不然NAT规则配错了根本查不到
				proxy.Logger.Printf("WARN: transparent tls handshake with %v failed: %v", conn.RemoteAddr(), err)
				return
			}
			defer tlsConn.Close()

			params.conn = tlsConn
			params.fs = http1parser.NewFramedStream(tlsConn, proxy.BufferSize)
			params.clientTLS = true
			params.implicitHost = name
			params.protocol = "Transparent-TLS"
		}
	}

	proxy.sessionLoop(params)
}
