package mproxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"mitm_man/http1parser"
)

// loopParams 进入请求循环时的端点上下文，循环的每一轮共享
type loopParams struct {
	explicit    *ExplicitEndpoint
	transparent *TransparentEndpoint
	conn        net.Conn
	fs          *http1parser.FramedStream
	// firstLine 隧道分发时可能已经把第一行读走了，带进来
	firstLine    string
	connect      *ConnectRequest
	parentSess   int64
	tunnelPort   int
	implicitHost string
	clientTLS    bool
	protocol     string
}

/*
请求循环。循环级不变量：
  - 最多持有一条上游连接，只有身份元组和下一个请求完全一致才复用
  - client流在迭代之间绝不关闭，只在循环退出时由上层close
  - 每一轮要么完成一次完整的请求/响应交换，要么退出
每轮兜底捕获错误，上报exception-reporter后终止循环。
*/
func (proxy *CoreMitmServer) sessionLoop(p loopParams) {
	var outbound *OutboundConn
	defer func() {
		// 所有退出路径统一归还/销毁上游连接
		if outbound != nil {
			proxy.Factory.Release(outbound)
		}
	}()
	firstLine := p.firstLine
	for {
		sess := &Psession{
			proxy:          proxy,
			Session:        atomic.AddInt64(&proxy.sess, 1),
			Connect:        p.connect,
			clientConn:     p.conn,
			client:         p.fs,
			ClientTLS:      p.clientTLS,
			ImplicitHost:   p.implicitHost,
			TrafficCounter: &TrafficCounter{},
			started:        time.Now(),
		}
		next := proxy.runExchange(sess, p, &outbound, firstLine)
		firstLine = ""
		if !next {
			return
		}
	}
}

// runExchange 一轮完整交换，返回是否继续下一轮
func (proxy *CoreMitmServer) runExchange(sess *Psession, p loopParams, outbound **OutboundConn, firstLine string) bool {
	// a+b 读请求头。client正常关闭(EOF)静默退出
	var req *Request
	var err error
	if firstLine != "" {
		req, err = parseRequestHead(firstLine, sess.client, sess.TrafficCounter)
	} else {
		req, err = readRequestHead(sess.client, sess.TrafficCounter)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) && !isConnClosed(err) {
			proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		}
		return false
	}
	sess.Req = req

	if err := computeEffectiveURI(sess, p); err != nil {
		proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		return false
	}

	// c 明文显式代理在这里授权；CONNECT那条路建隧道时已经过闸
	if p.explicit != nil && p.connect == nil {
		if !proxy.authorize(sess.client, sess) {
			return false
		}
	}

	proxy.registerConn(&ConnectionInfo{
		Session:     sess.Session,
		ParentSess:  p.parentSess,
		Host:        req.URL.Host,
		Method:      req.Method,
		URL:         req.URL.String(),
		RemoteAddr:  sess.ClientAddr(),
		Protocol:    p.protocol,
		StartTime:   sess.started,
		UploadRef:   &sess.TrafficCounter.ReqSum,
		DownloadRef: &sess.TrafficCounter.RespSum,
	})
	defer proxy.MarkConnectionClosed(sess.Session)

	sess.Log_P("req %v %v", req.Method, req.URL)

	// d 头部规范化：Accept-Encoding收窄到hook能解开的两种，
	// 代理专用头绝不外漏
	req.Header.Set("Accept-Encoding", "gzip,deflate")
	req.Header.Del("Proxy-Connection")
	req.Header.Del("Proxy-Authorization")
	req.Header.Del("Proxy-Authenticate")
	if !req.UpgradeWebsocket {
		req.Header.Del("Connection")
	}

	// e Windows认证需要在401挑战后重放body，先整个读进内存
	if proxy.EnableWinAuth && req.HasBody() {
		if _, err := sess.ReadRequestBody(); err != nil {
			proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
			return false
		}
	}

	// f before-request hook，跑完才继续
	if err := proxy.fireBeforeRequest(sess); err != nil {
		proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		return false
	}
	if req.CancelRequest {
		return false
	}
	req.Locked = true

	// g 取上游连接。身份不匹配先归还手里这条
	host, port, isTLS := outboundTarget(req)
	key := proxy.Factory.KeyFor(host, port, req.Version, isTLS, false, req.UpstreamProxy)
	if *outbound != nil && (*outbound).Key != key {
		proxy.Factory.Release(*outbound)
		*outbound = nil
	}
	if *outbound == nil {
		oc, err := proxy.Factory.Acquire(key, false, req.UpstreamProxy)
		if err != nil {
			// 还没给client写过字节才允许回502
			if !sess.respStarted {
				WriteBadGateway(sess.client, err)
			}
			proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
			return false
		}
		*outbound = oc
	}
	sess.outbound = *outbound

	// h websocket升级：转发完101后整条连接退化成裸隧道
	if req.UpgradeWebsocket {
		proxy.handleWebsocketUpgrade(sess)
		*outbound = nil
		return false
	}

	// i~k 发请求收响应，hook可能触发re-request
	keepAlive, exit := proxy.sendAndReceive(sess)
	if exit {
		(*outbound).markBroken()
		proxy.Factory.Discard(*outbound)
		*outbound = nil
		return false
	}

	sess.finishExchange()

	// l keep-alive判定：响应算出来不保活，或者client本来就要close
	return keepAlive && req.wantKeepAlive()
}

// sendAndReceive 步骤i的发送逻辑+HandleResponse，内嵌re-request循环。
// 返回(keepAlive, exit)，exit为true表示两侧已处置，循环直接退出。
func (proxy *CoreMitmServer) sendAndReceive(sess *Psession) (bool, bool) {
	req := sess.Req
	out := sess.outbound
	bodyForwarded := false
	for {
		// hook改写过的body一律identity重发(chunked重发不支持)：
		// 先按hook设的Content-Encoding压缩，长度定下来才能写头
		var materialized []byte
		if req.BodyRead {
			materialized = req.Body
			if enc := req.Header.Get("Content-Encoding"); enc != "" {
				b, err := Compress(enc, req.Body)
				if err != nil {
					return proxy.disposeExchange(sess, err)
				}
				materialized = b
			}
			req.Chunked = false
			req.Header.Del("Transfer-Encoding")
			req.ContentLength = int64(len(materialized))
			req.Header.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
		}

		if err := req.writeHeadTo(out, out.proxied); err != nil {
			return proxy.disposeExchange(sess, err)
		}

		var preRead *Response
		switch {
		case req.ExpectContinue && materialized == nil && !bodyForwarded && req.HasBody():
			// 只发了头，等上游对expect表态
			interim, err := readResponseHead(out.Stream(), req.Version, sess.TrafficCounter)
			if err != nil {
				return proxy.disposeExchange(sess, err)
			}
			switch interim.StatusCode {
			case 100:
				interim.Is100Continue = true
				if proxy.Enable100Continue {
					if _, err := fmt.Fprintf(sess.client, "%s 100 Continue\r\n\r\n", interim.Version); err != nil {
						return proxy.disposeExchange(sess, err)
					}
					sess.respStarted = true
				}
				if err := proxy.pumpRequestBody(sess, out); err != nil {
					return proxy.disposeExchange(sess, err)
				}
				bodyForwarded = true
			case 417:
				interim.ExpectationFailed = true
				preRead = interim
			default:
				// 上游无视expect直接给了最终响应
				preRead = interim
			}
		case materialized != nil:
			if len(materialized) > 0 {
				if _, err := out.Write(materialized); err != nil {
					return proxy.disposeExchange(sess, err)
				}
				sess.TrafficCounter.addReqBody(int64(len(materialized)))
				proxy.fireDataSent(sess, materialized)
			}
		case !bodyForwarded && req.HasBody():
			if err := proxy.pumpRequestBody(sess, out); err != nil {
				return proxy.disposeExchange(sess, err)
			}
			bodyForwarded = true
		}

		disposed, rerequest, keep := proxy.handleResponse(sess, preRead)
		if disposed {
			return false, true
		}
		if !rerequest {
			return keep, false
		}
		// k re-request：hook改完请求后清掉响应，同一条连接重发
		sess.Resp = nil
	}
}

func (proxy *CoreMitmServer) disposeExchange(sess *Psession, err error) (bool, bool) {
	sess.Error = err
	proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
	sess.finishExchange()
	return false, true
}

// handleResponse 对应HandleResponse：收响应头、401挑战、
// before-response hook、锁定、回写。返回(disposed, rerequest, keepAlive)。
func (proxy *CoreMitmServer) handleResponse(sess *Psession, preRead *Response) (bool, bool, bool) {
	req := sess.Req
	out := sess.outbound

	resp := preRead
	if resp == nil {
		var err error
		resp, err = readResponseHead(out.Stream(), req.Version, sess.TrafficCounter)
		if err != nil {
			return proxy.disposeResponse(sess, err)
		}
	}
	sess.Resp = resp

	// Windows认证：401先交给challenger协商，它说处置了就退出
	if proxy.EnableWinAuth && resp.StatusCode == 401 && proxy.Challenger != nil {
		if proxy.Challenger.Handle401(sess) {
			return true, false, false
		}
		resp = sess.Resp
	}

	resp.ReRequest = false
	if !resp.Locked {
		if err := proxy.fireBeforeResponse(sess); err != nil {
			return proxy.disposeResponse(sess, err)
		}
	}
	if resp.ReRequest {
		return false, true, false
	}
	resp.Locked = true

	// 417只转状态行和头，交换到此为止
	if resp.ExpectationFailed {
		resp.KeepAlive = false
		resp.Header.Set("Connection", "close")
		sess.respStarted = true
		if err := resp.writeHeadTo(sess.client); err != nil {
			return proxy.disposeResponse(sess, err)
		}
		out.markBroken()
		return false, false, false
	}

	// 没声明长度也不是chunked的body只能靠close分界，头要如实说
	if resp.HasBody(req.Method) && !resp.Chunked && resp.ContentLength < 0 && !resp.BodyRead {
		resp.KeepAlive = false
	}

	// 修hop-by-hop头后开写。一旦开写就不能再回502
	resp.Header.Del("Proxy-Connection")
	if !resp.KeepAlive {
		resp.Header.Set("Connection", "close")
	}
	sess.respStarted = true

	switch {
	case resp.BodyRead:
		// hook动过body：按hook设的Content-Encoding重新压缩
		body := resp.Body
		if enc := resp.Header.Get("Content-Encoding"); enc != "" {
			b, err := Compress(enc, body)
			if err != nil {
				return proxy.disposeResponse(sess, err)
			}
			body = b
		}
		if resp.Chunked {
			// 原响应是chunked，长度用-1哨兵，写出时重新chunk
			resp.ContentLength = -1
			resp.Header.Del("Content-Length")
			if err := resp.writeHeadTo(sess.client); err != nil {
				return proxy.disposeResponse(sess, err)
			}
			cw := http1parser.NewChunkedWriter(sess.client)
			if len(body) > 0 {
				if _, err := cw.Write(body); err != nil {
					return proxy.disposeResponse(sess, err)
				}
			}
			if err := cw.Close(); err != nil {
				return proxy.disposeResponse(sess, err)
			}
		} else {
			resp.ContentLength = int64(len(body))
			resp.Header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
			if err := resp.writeHeadTo(sess.client); err != nil {
				return proxy.disposeResponse(sess, err)
			}
			if len(body) > 0 {
				if _, err := sess.client.Write(body); err != nil {
					return proxy.disposeResponse(sess, err)
				}
			}
		}
		sess.TrafficCounter.addRespBody(int64(len(body)))
		proxy.fireDataReceived(sess, body)
	case resp.HasBody(req.Method):
		if err := resp.writeHeadTo(sess.client); err != nil {
			return proxy.disposeResponse(sess, err)
		}
		if err := proxy.pumpResponseBody(sess, sess.client); err != nil {
			return proxy.disposeResponse(sess, err)
		}
	default:
		if err := resp.writeHeadTo(sess.client); err != nil {
			return proxy.disposeResponse(sess, err)
		}
	}

	if !resp.KeepAlive {
		out.markBroken()
	}
	return false, false, resp.KeepAlive
}

func (proxy *CoreMitmServer) disposeResponse(sess *Psession, err error) (bool, bool, bool) {
	sess.Error = err
	proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
	sess.finishExchange()
	return true, false, false
}

// handleWebsocketUpgrade 升级请求原样转发，101之后两个方向
// 退化成不透明字节流
func (proxy *CoreMitmServer) handleWebsocketUpgrade(sess *Psession) {
	req := sess.Req
	out := sess.outbound

	if err := req.writeHeadTo(out, out.proxied); err != nil {
		proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		proxy.Factory.Discard(out)
		return
	}
	resp, err := readResponseHead(out.Stream(), req.Version, sess.TrafficCounter)
	if err != nil {
		proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		proxy.Factory.Discard(out)
		return
	}
	sess.Resp = resp

	if !resp.Locked {
		if err := proxy.fireBeforeResponse(sess); err != nil {
			proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
			proxy.Factory.Discard(out)
			return
		}
	}
	resp.Locked = true
	sess.respStarted = true

	if err := resp.writeHeadTo(sess.client); err != nil {
		proxy.reportException(&ProxyHttpError{Session: sess.Session, Cause: err})
		proxy.Factory.Discard(out)
		return
	}

	if resp.StatusCode != 101 {
		// 上游拒绝升级：当普通响应把body转完，连接不再复用
		if resp.HasBody(req.Method) {
			_ = proxy.pumpResponseBody(sess, sess.client)
		}
		sess.finishExchange()
		proxy.Factory.Discard(out)
		return
	}

	sess.Log_P("Response looks like websocket upgrade, tunneling %s", req.URL.Host)
	proxy.rawRelay(sess, sess.clientConn, sess.client, out.Conn(), out.Stream())
}

// computeEffectiveURI 按端点模式推导生效的绝对URI(步骤b)
func computeEffectiveURI(sess *Psession, p loopParams) error {
	req := sess.Req

	// 明文显式代理：绝对URL就在请求行上
	if p.explicit != nil && p.connect == nil {
		u, err := url.Parse(req.OriginalTarget)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("mproxy: non-absolute URL %q on explicit endpoint", req.OriginalTarget)
		}
		req.URL = u
		return nil
	}

	// 隧道内/透明：Host头(或隧道目标/SNI) + origin-form路径
	scheme := "http"
	defaultPort := 80
	if sess.ClientTLS {
		scheme = "https"
		defaultPort = 443
	}
	hostport := req.Header.Get("Host")
	if hostport == "" {
		if p.connect != nil {
			hostport = p.connect.OriginalTarget
		} else {
			hostport = sess.ImplicitHost
		}
	}
	if hostport == "" {
		return fmt.Errorf("mproxy: cannot resolve target host for %s", req.OriginalTarget)
	}
	// 隧道在非默认端口时Host头一般不带端口，补上
	if p.connect != nil && !strings.Contains(hostport, ":") && p.tunnelPort != defaultPort {
		hostport = net.JoinHostPort(hostport, strconv.Itoa(p.tunnelPort))
	}

	if strings.Contains(req.OriginalTarget, "://") {
		if u, err := url.Parse(req.OriginalTarget); err == nil && u.IsAbs() {
			req.URL = u
			return nil
		}
	}
	u, err := url.Parse(scheme + "://" + hostport + req.OriginalTarget)
	if err != nil {
		return err
	}
	req.URL = u
	return nil
}

func outboundTarget(req *Request) (string, int, bool) {
	isTLS := req.URL.Scheme == "https"
	host := req.URL.Hostname()
	port := 80
	if isTLS {
		port = 443
	}
	if p := req.URL.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return host, port, isTLS
}
