package mproxy_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitm_man/mproxy"
)

// 干净归还的连接按身份元组复用；身份差一个字段都算新连接
func TestConnFactoryReuse(t *testing.T) {
	origin := serveConns(t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
		_ = c.Close()
	})

	f := mproxy.NewConnFactory()
	defer f.CloseIdle()

	port := portOf(t, origin)
	key := f.KeyFor("127.0.0.1", port, "HTTP/1.1", false, false, nil)

	oc1, err := f.Acquire(key, false, nil)
	require.NoError(t, err)
	f.Release(oc1)

	oc2, err := f.Acquire(key, false, nil)
	require.NoError(t, err)
	assert.Same(t, oc1, oc2)

	// 版本不同身份就不同
	key2 := key
	key2.Version = "HTTP/1.0"
	oc3, err := f.Acquire(key2, false, nil)
	require.NoError(t, err)
	assert.NotSame(t, oc2, oc3)

	f.Discard(oc2)
	f.Discard(oc3)
}

// 明文http走上游代理时请求行必须是绝对URL
func TestUpstreamHTTPChaining(t *testing.T) {
	sawLine := make(chan string, 1)
	upstream := serveConns(t, func(c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		sawLine <- line
		for {
			h, err := br.ReadString('\n')
			if err != nil || h == "\r\n" {
				break
			}
		}
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nup"))
	})

	proxy := newTestProxy()
	u, err := url.Parse("http://" + upstream)
	require.NoError(t, err)
	proxy.Factory.UpstreamHTTP = u

	ep := &mproxy.ExplicitEndpoint{Proxy: proxy, DecryptDefault: true}
	proxyAddr := serveConns(t, ep.HandleClient)

	// 目标host根本不可解析，流量必须全程走上游
	conn := dialWithDeadline(t, proxyAddr)
	fmt.Fprintf(conn, "GET http://origin.unresolvable.test/data HTTP/1.1\r\nHost: origin.unresolvable.test\r\n\r\n")

	resp, err := http1ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, "up", resp)

	line := <-sawLine
	assert.True(t, strings.HasPrefix(line, "GET http://origin.unresolvable.test/data HTTP/1.1"),
		"request line %q should be absolute-form", line)
}

// CONNECT隧道经由上游代理时先由上游建链
func TestUpstreamConnectChaining(t *testing.T) {
	upstream := serveConns(t, func(c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)
		line, err := br.ReadString('\n')
		if err != nil || !strings.HasPrefix(line, "CONNECT example.test:443 ") {
			return
		}
		for {
			h, err := br.ReadString('\n')
			if err != nil || h == "\r\n" {
				break
			}
		}
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
		// 上游之后就是隧道本体
		buf := make([]byte, 4)
		if _, err := io.ReadFull(br, buf); err != nil {
			return
		}
		if string(buf) == "ping" {
			_, _ = c.Write([]byte("pong"))
		}
	})

	proxy := newTestProxy()
	u, err := url.Parse("http://" + upstream)
	require.NoError(t, err)
	proxy.Factory.UpstreamHTTPS = u

	// 不解密，纯盲转发
	ep := &mproxy.ExplicitEndpoint{Proxy: proxy, DecryptDefault: false}
	proxyAddr := serveConns(t, ep.HandleClient)

	conn := dialWithDeadline(t, proxyAddr)
	fmt.Fprintf(conn, "CONNECT example.test:443 HTTP/1.1\r\n\r\n")
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)
	_, err = br.ReadString('\n')
	require.NoError(t, err)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = io.ReadFull(br, reply)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))
}

// 读一个定长小响应的body
func http1ReadResponse(conn net.Conn) (string, error) {
	br := bufio.NewReader(conn)
	var contentLength int
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		if line == "\r\n" {
			break
		}
		if n, ok := strings.CutPrefix(strings.TrimSpace(line), "Content-Length: "); ok {
			fmt.Sscanf(n, "%d", &contentLength)
		}
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(br, body); err != nil {
		return "", err
	}
	return string(body), nil
}
