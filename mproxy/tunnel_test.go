package mproxy_test

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mitm_man/mproxy"
	"mitm_man/signer"
)

func newDecryptingProxy(t *testing.T) (*mproxy.CoreMitmServer, *signer.CertStore) {
	t.Helper()
	ca, err := signer.GenerateCA("mitm_man test root")
	require.NoError(t, err)
	store, err := signer.NewCertStore(ca)
	require.NoError(t, err)
	proxy := newTestProxy()
	proxy.CertStore = store
	return proxy, store
}

// 起一个用自家CA签的证书的TLS origin
func serveTLSConns(t *testing.T, store *signer.CertStore, handle func(net.Conn)) string {
	t.Helper()
	cert, err := store.Mint("127.0.0.1")
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	tlsLn := tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{*cert}})
	go func() {
		for {
			c, err := tlsLn.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()
	return ln.Addr().String()
}

// S3: CONNECT解密。client和代理之间用现签的叶子握手，hook把
// 路径/v1改写成/v2，上游看到的是改写后的请求，响应原路加密回去。
func TestConnectDecrypted(t *testing.T) {
	proxy, store := newDecryptingProxy(t)

	seenPath := make(chan string, 1)
	origin := serveTLSConns(t, store, func(c net.Conn) {
		defer c.Close()
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		seenPath <- req.URL.Path
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	})

	proxy.HookOnReq(func(sess *mproxy.Psession) error {
		if sess.Req.URL.Path == "/v1" {
			sess.Req.URL.Path = "/v2"
		}
		return nil
	})

	ep := &mproxy.ExplicitEndpoint{Proxy: proxy, DecryptDefault: true}
	proxyAddr := serveConns(t, ep.HandleClient)

	conn := dialWithDeadline(t, proxyAddr)
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", origin, origin)
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)
	_, err = br.ReadString('\n')
	require.NoError(t, err)

	// 隧道之内开始TLS，代理会递上现签的叶子证书
	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, tlsConn.Handshake())

	fmt.Fprintf(tlsConn, "GET /v1 HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))

	assert.Equal(t, "/v2", <-seenPath)
}

// 解密用的叶子证书确实是代理CA签出来的
func TestConnectDecrypted_CertChain(t *testing.T) {
	proxy, store := newDecryptingProxy(t)
	origin := serveTLSConns(t, store, func(c net.Conn) {
		defer c.Close()
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		_, _ = c.Write([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
	})

	ep := &mproxy.ExplicitEndpoint{Proxy: proxy, DecryptDefault: true}
	proxyAddr := serveConns(t, ep.HandleClient)

	conn := dialWithDeadline(t, proxyAddr)
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n\r\n", origin)
	br := bufio.NewReader(conn)
	_, err := br.ReadString('\n')
	require.NoError(t, err)
	_, err = br.ReadString('\n')
	require.NoError(t, err)

	tlsConn := tls.Client(conn, &tls.Config{
		RootCAs:    store.CAPool(),
		ServerName: "127.0.0.1",
	})
	// 信任代理CA的client能正常完成校验
	require.NoError(t, tlsConn.Handshake())
}

// S5: Upgrade: websocket。101转发一次给before-response hook，
// 之后两个方向变成不透明字节流，before-request不重复触发。
func TestWebsocketUpgrade(t *testing.T) {
	origin := serveConns(t, func(c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		_, _ = c.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
		// 握手后原样回显
		_, _ = io.Copy(c, br)
	})

	proxy := newTestProxy()
	var reqHooks, respHooks atomic.Int32
	var status101 atomic.Int32
	proxy.HookOnReq(func(sess *mproxy.Psession) error {
		reqHooks.Add(1)
		return nil
	})
	proxy.HookOnResp(func(sess *mproxy.Psession) error {
		respHooks.Add(1)
		if sess.Resp.StatusCode == 101 {
			status101.Add(1)
		}
		return nil
	})

	ep := &mproxy.ExplicitEndpoint{Proxy: proxy, DecryptDefault: true}
	proxyAddr := serveConns(t, ep.HandleClient)

	conn := dialWithDeadline(t, proxyAddr)
	fmt.Fprintf(conn,
		"GET http://%s/chat HTTP/1.1\r\nHost: %s\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n",
		origin, origin)

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 101 Switching Protocols\r\n", status)
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	// 101之后是裸隧道
	_, err = conn.Write([]byte("hello-ws"))
	require.NoError(t, err)
	echo := make([]byte, 8)
	_, err = io.ReadFull(br, echo)
	require.NoError(t, err)
	assert.Equal(t, "hello-ws", string(echo))

	assert.Equal(t, int32(1), reqHooks.Load())
	assert.Equal(t, int32(1), respHooks.Load())
	assert.Equal(t, int32(1), status101.Load())
}

// 透明端点明文模式：按Host头回源
func TestTransparentPlain(t *testing.T) {
	origin := serveConns(t, func(c net.Conn) {
		defer c.Close()
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nyes"))
	})

	proxy := newTestProxy()
	ep := &mproxy.TransparentEndpoint{Proxy: proxy, TLSEnabled: false}
	epAddr := serveConns(t, ep.HandleClient)

	conn := dialWithDeadline(t, epAddr)
	fmt.Fprintf(conn, "GET /p HTTP/1.1\r\nHost: %s\r\n\r\n", origin)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "yes", string(body))
}

// 透明端点TLS模式：SNI决定证书，Host头决定回源目标
func TestTransparentTLS(t *testing.T) {
	proxy, store := newDecryptingProxy(t)
	origin := serveTLSConns(t, store, func(c net.Conn) {
		defer c.Close()
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\ntls!"))
	})

	ep := &mproxy.TransparentEndpoint{
		Proxy:           proxy,
		TLSEnabled:      true,
		GenericCertName: "fallback.test",
	}
	epAddr := serveConns(t, ep.HandleClient)

	conn := dialWithDeadline(t, epAddr)
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName: "svc.internal.test",
		RootCAs:    store.CAPool(),
	})
	require.NoError(t, tlsConn.Handshake())
	// 证书名来自SNI的泛化
	leaf := tlsConn.ConnectionState().PeerCertificates[0]
	assert.Contains(t, leaf.DNSNames, "*.internal.test")

	fmt.Fprintf(tlsConn, "GET /t HTTP/1.1\r\nHost: %s\r\n\r\n", origin)
	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "tls!", string(body))
}

// 代理授权：没带凭证的请求收到完整的407挑战，带对凭证放行
func TestBasicProxyAuth(t *testing.T) {
	origin := serveConns(t, func(c net.Conn) {
		defer c.Close()
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	})

	proxy := newTestProxy()
	proxy.Authorizer = mproxy.BasicProxyAuth("mitm_man", func(user, pass string) bool {
		return user == "alice" && pass == "secret"
	})
	ep := &mproxy.ExplicitEndpoint{Proxy: proxy, DecryptDefault: true}
	proxyAddr := serveConns(t, ep.HandleClient)

	// 无凭证被拒
	conn := dialWithDeadline(t, proxyAddr)
	fmt.Fprintf(conn, "GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", origin, origin)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 407, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Proxy-Authenticate"), "Basic")

	// 带凭证放行
	conn2 := dialWithDeadline(t, proxyAddr)
	fmt.Fprintf(conn2, "GET http://%s/ HTTP/1.1\r\nHost: %s\r\nProxy-Authorization: Basic YWxpY2U6c2VjcmV0\r\n\r\n", origin, origin)
	resp2, err := http.ReadResponse(bufio.NewReader(conn2), nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, 200, resp2.StatusCode)
}

// splice隧道收尾后不留goroutine
func TestSplice_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer originLn.Close()
	go func() {
		for {
			c, err := originLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4)
				if _, err := io.ReadFull(c, buf); err != nil {
					return
				}
				_, _ = c.Write([]byte("pong"))
			}(c)
		}
	}()

	proxy := newTestProxy()
	ep := &mproxy.ExplicitEndpoint{Proxy: proxy, DecryptDefault: false}
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer proxyLn.Close()
	go func() {
		for {
			c, err := proxyLn.Accept()
			if err != nil {
				return
			}
			go ep.HandleClient(c)
		}
	}()

	conn, err := net.Dial("tcp", proxyLn.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n\r\n", originLn.Addr().String())
	br := bufio.NewReader(conn)
	_, err = br.ReadString('\n')
	require.NoError(t, err)
	_, err = br.ReadString('\n')
	require.NoError(t, err)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = io.ReadFull(br, reply)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))

	require.NoError(t, conn.Close())
	// listener在defer里先于goleak关闭，accept协程能退出
}
