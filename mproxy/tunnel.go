package mproxy

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"mitm_man/http1parser"
	"mitm_man/tlspeek"
)

// HandleClient 显式端点的入口。一个accept到的client从这里开始，
// 要么是CONNECT隧道，要么是带绝对URL的普通代理请求。
func (ep *ExplicitEndpoint) HandleClient(conn net.Conn) {
	proxy := ep.Proxy
	defer conn.Close()

	fs := http1parser.NewFramedStream(conn, proxy.BufferSize)

	// Await-Command：第一行。空行/EOF静默关闭
	line, err := fs.ReadLine()
	if err != nil || line == "" {
		return
	}
	rl, err := http1parser.ParseRequestLine(line)
	if err != nil {
		// 起始行都不像HTTP，没法回错误响应
		return
	}

	if rl.Method != "CONNECT" {
		// Plain-Request：起始行已读，直接进请求循环
		proxy.sessionLoop(loopParams{
			explicit:  ep,
			conn:      conn,
			fs:        fs,
			firstLine: line,
			protocol:  "HTTP",
		})
		return
	}

	ep.handleTunnel(conn, fs, rl)
}

// handleTunnel CONNECT状态机：读头、判排除、hook、回200、
// peek ClientHello、决定盲转发还是解密。
func (ep *ExplicitEndpoint) handleTunnel(conn net.Conn, fs *http1parser.FramedStream, rl http1parser.RequestLine) {
	proxy := ep.Proxy

	host, port, err := hostPortOf(rl.Target)
	if err != nil {
		return
	}
	header, err := http1parser.ReadHeaderBlock(fs)
	if err != nil {
		return
	}

	connect := &ConnectRequest{
		Request: Request{
			Method:         rl.Method,
			OriginalTarget: rl.Target,
			Version:        rl.Version,
			Header:         header,
			ContentLength:  -1,
			// 隧道还没定性之前暂记为http
			URL: &url.URL{Scheme: "http", Host: rl.Target},
		},
	}

	// 排除判定：exclude命中就不解密；include一旦配置，之前exclude
	// 的结论作废，只看include(沿用观察到的行为，待复核)
	excluded := !ep.DecryptDefault && ep.IncludeRegex == nil && ep.ExcludeRegex == nil
	if ep.ExcludeRegex != nil && ep.ExcludeRegex.MatchString(host) {
		excluded = true
	}
	if ep.IncludeRegex != nil {
		excluded = !ep.IncludeRegex.MatchString(host)
	}
	connect.Excluded = excluded

	sess := &Psession{
		proxy:          proxy,
		Session:        atomic.AddInt64(&proxy.sess, 1),
		Connect:        connect,
		clientConn:     conn,
		client:         fs,
		TrafficCounter: &TrafficCounter{},
		started:        time.Now(),
	}

	// Hook-Before-Connect
	if err := proxy.fireConnectReq(connect, sess); err != nil {
		proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		return
	}

	// 代理授权。拒绝方自己写407，这里补触发connect-response后关闭
	if !proxy.authorize(fs, sess) {
		if err := proxy.fireConnectResp(connect, sess); err != nil {
			proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		}
		return
	}
	if connect.CancelRequest {
		return
	}

	// Accept-Tunnel，版本回显client请求的版本
	if _, err := fmt.Fprintf(fs, "%s 200 Connection Established\r\n\r\n", rl.Version); err != nil {
		return
	}

	// Peek-ClientHello：非消费探测，字节留在窗口里
	connect.ClientHello = tlspeek.ClientHello(fs)
	connect.IsTLS = connect.ClientHello != nil

	// Hook-After-Connect
	if err := proxy.fireConnectResp(connect, sess); err != nil {
		proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		return
	}

	if connect.Excluded || !connect.IsTLS {
		ep.blindSplice(sess, conn, fs, rl, host, port)
		return
	}

	// Decrypt：改写生效URI，签证书，对client做server侧握手
	connect.URL = &url.URL{Scheme: "https", Host: rl.Target}
	cert, err := proxy.certFor(host, ep.GenericCert)
	if err != nil {
		proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		return
	}
	tlsConn := tls.Server(&replayConn{Conn: conn, fs: fs}, proxy.serverTLSConfig(cert))
	if err := tlsConn.Handshake(); err != nil {
		// client侧握手失败静默关闭(多半是client不认我们的CA)
		sess.Log_P("tls握手失败Cannot handshake client %v %v", rl.Target, err)
		return
	}
	defer tlsConn.Close()

	tfs := http1parser.NewFramedStream(tlsConn, proxy.BufferSize)

	// Post-Decrypt-Sniff：443上不一定是HTTP，不像就退回盲转发
	if !tlspeek.LooksLikeHTTPMethod(tfs) {
		sess.Log_P("decrypted bytes do not look like HTTP, splicing %s", rl.Target)
		ep.spliceDecrypted(sess, tlsConn, tfs, rl, host, port)
		return
	}

	proxy.sessionLoop(loopParams{
		explicit:   ep,
		conn:       tlsConn,
		fs:         tfs,
		connect:    connect,
		parentSess: sess.Session,
		tunnelPort: port,
		clientTLS:  true,
		protocol:   "HTTPS-MITM",
	})
}

// blindSplice 不解密的隧道：对上游裸TCP，字节原样双向转发。
// TLS隧道顺带把两侧的Hello摘要挂到ConnectRequest上。
func (ep *ExplicitEndpoint) blindSplice(sess *Psession, conn net.Conn, fs *http1parser.FramedStream, rl http1parser.RequestLine, host string, port int) {
	proxy := ep.Proxy
	connect := sess.Connect

	key := proxy.Factory.KeyFor(host, port, rl.Version, false, true, nil)
	oc, err := proxy.Factory.Acquire(key, true, nil)
	if err != nil {
		// 200已经发出去了，这里只能断开
		proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		return
	}
	sess.outbound = oc

	proxy.registerConn(&ConnectionInfo{
		Session:     sess.Session,
		Host:        rl.Target,
		Method:      "TUNNEL",
		URL:         rl.Target,
		RemoteAddr:  sess.ClientAddr(),
		Protocol:    "HTTPS-Tunnel",
		StartTime:   sess.started,
		UploadRef:   &sess.TrafficCounter.ReqSum,
		DownloadRef: &sess.TrafficCounter.RespSum,
	})
	defer proxy.MarkConnectionClosed(sess.Session)

	if connect.IsTLS {
		// 先把窗口里的ClientHello送出去，上游才会答ServerHello
		if err := drainTo(oc, fs); err != nil {
			proxy.Factory.Discard(oc)
			return
		}
		connect.ServerHello = tlspeek.ServerHello(oc.Stream())
	}

	sess.Log_P("Accepting CONNECT to %s, splice", rl.Target)
	proxy.rawRelay(sess, conn, fs, oc.Conn(), oc.Stream())
}

// spliceDecrypted 解密后发现不是HTTP：对上游重建TLS，在两个明文
// 面之间转发(两侧各自加密)
func (ep *ExplicitEndpoint) spliceDecrypted(sess *Psession, tlsConn net.Conn, tfs *http1parser.FramedStream, rl http1parser.RequestLine, host string, port int) {
	proxy := ep.Proxy
	key := proxy.Factory.KeyFor(host, port, rl.Version, true, false, nil)
	oc, err := proxy.Factory.Acquire(key, false, nil)
	if err != nil {
		proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		return
	}
	sess.outbound = oc
	proxy.registerConn(&ConnectionInfo{
		Session:     sess.Session,
		Host:        rl.Target,
		Method:      "TUNNEL",
		URL:         rl.Target,
		RemoteAddr:  sess.ClientAddr(),
		Protocol:    "HTTPS-Tunnel",
		StartTime:   sess.started,
		UploadRef:   &sess.TrafficCounter.ReqSum,
		DownloadRef: &sess.TrafficCounter.RespSum,
	})
	defer proxy.MarkConnectionClosed(sess.Session)

	proxy.rawRelay(sess, tlsConn, tfs, oc.Conn(), oc.Stream())
}

// drainTo 把fs窗口里已缓冲的字节全部写到dst。fs.Read先吐存量，
// 循环到窗口清空为止，不会碰底层连接。
func drainTo(dst io.Writer, fs *http1parser.FramedStream) error {
	buf := make([]byte, 4096)
	for fs.Available() > 0 {
		n, err := fs.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
