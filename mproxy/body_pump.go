package mproxy

import (
	"errors"
	"io"
	"net"
	"sync"

	"mitm_man/http1parser"
)

// 这是处理tcp半关闭的核心接口：EOF一侧要CloseWrite对面，
// 否则对端FIN_WAIT2收不到结束消息
type halfClosable interface {
	net.Conn
	CloseWrite() error
	CloseRead() error
}

var _ halfClosable = (*net.TCPConn)(nil)

// tls.Conn只有CloseWrite没有CloseRead
type writeCloser interface {
	CloseWrite() error
}

// pumpRequestBody 按原始帧把请求body从client搬到上游：
// chunked原帧透传，identity按长度精确拷贝。
func (proxy *CoreMitmServer) pumpRequestBody(sess *Psession, dst io.Writer) error {
	req := sess.Req
	buf := proxy.pool().Get()
	defer proxy.pool().Put(buf)
	onData := func(chunk []byte) {
		sess.TrafficCounter.addReqBody(int64(len(chunk)))
		proxy.fireDataSent(sess, chunk)
	}
	var err error
	switch {
	case req.Chunked:
		_, err = http1parser.CopyChunked(dst, sess.client, buf, onData)
	case req.ContentLength > 0:
		_, err = sess.client.CopyTo(dst, req.ContentLength, buf, onData)
	}
	return err
}

// pumpResponseBody 按原始帧把响应body从上游搬给client。
// 没长度也没chunked时按close分界拷到EOF，此后连接不可复用。
func (proxy *CoreMitmServer) pumpResponseBody(sess *Psession, dst io.Writer) error {
	resp := sess.Resp
	src := sess.outbound.Stream()
	buf := proxy.pool().Get()
	defer proxy.pool().Put(buf)
	onData := func(chunk []byte) {
		sess.TrafficCounter.addRespBody(int64(len(chunk)))
		proxy.fireDataReceived(sess, chunk)
	}
	switch {
	case resp.Chunked:
		_, err := http1parser.CopyChunked(dst, src, buf, onData)
		return err
	case resp.ContentLength >= 0:
		_, err := src.CopyTo(dst, resp.ContentLength, buf, onData)
		return err
	default:
		// close分界，只对HTTP/1.0这种没声明长度的响应合法
		resp.KeepAlive = false
		sess.outbound.markBroken()
		for {
			n, err := src.Read(buf)
			if n > 0 {
				onData(buf[:n])
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	}
}

// ReadRequestBody hook把请求body读进内存。转移编码解掉，
// Content-Encoding也解掉并从头部移除；hook想重新压缩就改完body
// 后再设回Content-Encoding。
func (sess *Psession) ReadRequestBody() ([]byte, error) {
	req := sess.Req
	if req.BodyRead {
		return req.Body, nil
	}
	raw, err := sess.readBodyRaw(sess.client, req.Chunked, req.ContentLength, true)
	if err != nil {
		return nil, err
	}
	enc := req.Header.Get("Content-Encoding")
	body, err := Decompress(enc, raw)
	if err != nil {
		return nil, err
	}
	if enc != "" {
		req.Header.Del("Content-Encoding")
	}
	req.SetBody(body)
	return body, nil
}

// ReadResponseBody 同ReadRequestBody，方向相反
func (sess *Psession) ReadResponseBody() ([]byte, error) {
	resp := sess.Resp
	if resp.BodyRead {
		return resp.Body, nil
	}
	raw, err := sess.readBodyRaw(sess.outbound.Stream(), resp.Chunked, resp.ContentLength, false)
	if err != nil {
		return nil, err
	}
	enc := resp.Header.Get("Content-Encoding")
	body, err := Decompress(enc, raw)
	if err != nil {
		return nil, err
	}
	if enc != "" {
		resp.Header.Del("Content-Encoding")
	}
	resp.SetBody(body)
	return body, nil
}

func (sess *Psession) readBodyRaw(src *http1parser.FramedStream, chunked bool, length int64, up bool) ([]byte, error) {
	var raw []byte
	var err error
	switch {
	case chunked:
		raw, err = http1parser.ReadChunkedBody(src, 0)
	case length > 0:
		raw = make([]byte, length)
		err = src.ReadExact(raw)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if up {
		sess.TrafficCounter.addReqBody(int64(len(raw)))
	} else {
		sess.TrafficCounter.addRespBody(int64(len(raw)))
	}
	return raw, nil
}

// rawRelay 盲转发：两个半双工泵并发跑，一侧EOF就半关闭另一侧的
// 写端，任一侧出错两个泵都停。clientRd/serverRd是带缓冲的读取面，
// peek过的字节从这里原样流出去。
func (proxy *CoreMitmServer) rawRelay(sess *Psession, clientConn net.Conn, clientRd io.Reader, serverConn net.Conn, serverRd io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go proxy.relayHalf(sess, serverConn, clientRd, true, &wg)
	go proxy.relayHalf(sess, clientConn, serverRd, false, &wg)
	wg.Wait()
	// 最后统一close保证连接能够正常断开
	_ = clientConn.Close()
	_ = serverConn.Close()
}

func (proxy *CoreMitmServer) relayHalf(sess *Psession, dst net.Conn, src io.Reader, up bool, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := proxy.pool().Get()
	defer proxy.pool().Put(buf)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if up {
				sess.TrafficCounter.addReqBody(int64(n))
				proxy.fireDataSent(sess, buf[:n])
			} else {
				sess.TrafficCounter.addRespBody(int64(n))
				proxy.fireDataReceived(sess, buf[:n])
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if !isConnClosed(werr) {
					sess.WarnP("relay write error: %v", werr)
				}
				return
			}
		}
		if rerr != nil {
			if !isConnClosed(rerr) {
				sess.WarnP("relay read error: %v", rerr)
			}
			break
		}
	}
	// EOF：半关闭写端让对面优雅收尾，不支持半关闭就只能等整体close
	if wc, ok := dst.(writeCloser); ok {
		_ = wc.CloseWrite()
	}
}

// replayConn 把FramedStream窗口里peek过的字节重放出去的net.Conn
// 包装，交给tls.Server做握手时用，保证嗅探过的ClientHello字节
// 不丢。
type replayConn struct {
	net.Conn
	fs *http1parser.FramedStream
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.fs.Read(p)
}
