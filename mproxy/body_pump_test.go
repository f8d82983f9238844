package mproxy_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitm_man/mproxy"
)

// chunked响应原帧透传：client解出的body和origin发的一致，
// on-data-received观察到的字节数等于chunk大小之和
func TestChunkedResponsePassthrough(t *testing.T) {
	origin := serveConns(t, func(c net.Conn) {
		defer c.Close()
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
			"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"))
	})

	proxy := newTestProxy()
	var received atomic.Int64
	proxy.OnDataReceived(func(sess *mproxy.Psession, chunk []byte) {
		received.Add(int64(len(chunk)))
	})
	ep := &mproxy.ExplicitEndpoint{Proxy: proxy, DecryptDefault: true}
	proxyAddr := serveConns(t, ep.HandleClient)

	conn := dialWithDeadline(t, proxyAddr)
	fmt.Fprintf(conn, "GET http://%s/stream HTTP/1.1\r\nHost: %s\r\n\r\n", origin, origin)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.TransferEncoding, "chunked")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))

	// 观察器只看到数据本体，不含chunk帧开销
	assert.Equal(t, int64(11), received.Load())
}

// 请求body流式上行时on-data-sent按字节序到齐
func TestRequestBodyObserver(t *testing.T) {
	bodyCh := make(chan string, 1)
	origin := serveConns(t, func(c net.Conn) {
		defer c.Close()
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		b, _ := io.ReadAll(req.Body)
		bodyCh <- string(b)
		_, _ = c.Write([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
	})

	proxy := newTestProxy()
	var mu sync.Mutex
	var sent []byte
	proxy.OnDataSent(func(sess *mproxy.Psession, chunk []byte) {
		mu.Lock()
		sent = append(sent, chunk...)
		mu.Unlock()
	})
	ep := &mproxy.ExplicitEndpoint{Proxy: proxy, DecryptDefault: true}
	proxyAddr := serveConns(t, ep.HandleClient)

	payload := "observed payload bytes"
	conn := dialWithDeadline(t, proxyAddr)
	fmt.Fprintf(conn, "POST http://%s/ HTTP/1.1\r\nHost: %s\r\nContent-Length: %d\r\n\r\n%s",
		origin, origin, len(payload), payload)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, payload, <-bodyCh)
	mu.Lock()
	assert.Equal(t, payload, string(sent))
	mu.Unlock()
}

// hook改写响应body并声明gzip：client拿到的是重新压缩的字节，
// Content-Length是压缩后的长度
func TestHookRecompressResponse(t *testing.T) {
	origin := serveConns(t, func(c net.Conn) {
		defer c.Close()
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 8\r\n\r\noriginal"))
	})

	proxy := newTestProxy()
	proxy.HookOnResp(func(sess *mproxy.Psession) error {
		if _, err := sess.ReadResponseBody(); err != nil {
			return err
		}
		sess.Resp.SetBody([]byte("rewritten body"))
		sess.Resp.Header.Set("Content-Encoding", "gzip")
		return nil
	})
	ep := &mproxy.ExplicitEndpoint{Proxy: proxy, DecryptDefault: true}
	proxyAddr := serveConns(t, ep.HandleClient)

	conn := dialWithDeadline(t, proxyAddr)
	fmt.Fprintf(conn, "GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", origin, origin)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, int64(len(raw)), resp.ContentLength)

	decoded, err := mproxy.Decompress("gzip", raw)
	require.NoError(t, err)
	assert.Equal(t, "rewritten body", string(decoded))
}
