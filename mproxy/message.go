package mproxy

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"mitm_man/http1parser"
	"mitm_man/tlspeek"
)

// Request 一次被拦截的请求。起始行和头部锁定(Locked)之后不允许
// 再改，body只能在第一次向上游写出之前被hook替换。
type Request struct {
	Method  string
	// OriginalTarget 请求行上的原始目标(origin-form或绝对URL)
	OriginalTarget string
	// URL 生效的绝对URI，由端点模式推导
	URL     *url.URL
	Version string
	Header  *http1parser.HeaderBlock

	ContentLength int64 // -1表示没有声明长度
	Chunked       bool
	ExpectContinue   bool
	UpgradeWebsocket bool

	// BodyRead为true表示hook已把body读进内存，转发时以Body为准
	BodyRead bool
	Body     []byte

	CancelRequest bool
	Locked        bool

	// UpstreamProxy hook指定的自定义上游，非nil时强制换连接
	UpstreamProxy *url.URL

	// clientKeepAlive 解析头部时就定下来，后面Connection头会被剥掉
	clientKeepAlive bool
}

// readRequestHead 从client流读一个请求头(起始行+头部块)并解析语义字段。
// 起始行之前的EOF返回io.EOF，表示client正常关闭。
func readRequestHead(fs *http1parser.FramedStream, counter *TrafficCounter) (*Request, error) {
	line, err := fs.ReadLine()
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, io.EOF
	}
	return parseRequestHead(line, fs, counter)
}

func parseRequestHead(line string, fs *http1parser.FramedStream, counter *TrafficCounter) (*Request, error) {
	rl, err := http1parser.ParseRequestLine(line)
	if err != nil {
		return nil, err
	}
	header, err := http1parser.ReadHeaderBlock(fs)
	if err != nil {
		return nil, err
	}
	req := &Request{
		Method:         rl.Method,
		OriginalTarget: rl.Target,
		Version:        rl.Version,
		Header:         header,
		ContentLength:  -1,
	}
	req.parseSemantics()
	if counter != nil {
		counter.addReqHeader(headSize(line, header))
	}
	return req, nil
}

func headSize(line string, h *http1parser.HeaderBlock) int64 {
	n := int64(len(line) + 2 + 2)
	for _, f := range h.Fields() {
		n += int64(len(f.Name) + 2 + len(f.Value) + 2)
	}
	return n
}

func (r *Request) parseSemantics() {
	if cl := r.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			r.ContentLength = n
		}
	}
	for _, te := range r.Header.Values("Transfer-Encoding") {
		if strings.EqualFold(strings.TrimSpace(te), "chunked") {
			r.Chunked = true
		}
	}
	r.ExpectContinue = strings.EqualFold(r.Header.Get("Expect"), "100-continue")
	r.UpgradeWebsocket = isWebSocketUpgrade(r.Header)
	switch {
	case r.Header.TokenListContains("Connection", "close"),
		r.Header.TokenListContains("Proxy-Connection", "close"):
		r.clientKeepAlive = false
	case r.Version == "HTTP/1.0":
		r.clientKeepAlive = r.Header.TokenListContains("Connection", "keep-alive") ||
			r.Header.TokenListContains("Proxy-Connection", "keep-alive")
	default:
		r.clientKeepAlive = true
	}
}

func (r *Request) HasBody() bool {
	return r.Chunked || r.ContentLength > 0
}

// SetBody hook改写body。锁定后强制identity编码，chunked重发不支持
func (r *Request) SetBody(body []byte) {
	r.Body = body
	r.BodyRead = true
	r.ContentLength = int64(len(body))
	r.Chunked = false
	r.Header.Del("Transfer-Encoding")
	r.Header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
}

// wantKeepAlive client侧是否要求保活
func (r *Request) wantKeepAlive() bool {
	return r.clientKeepAlive
}

// writeHeadTo 把起始行和头部写到上游。absoluteForm在经由上游
// 明文代理时为true，请求行要带完整URL
func (r *Request) writeHeadTo(w io.Writer, absoluteForm bool) error {
	target := r.URL.RequestURI()
	if absoluteForm {
		target = r.URL.String()
	}
	if err := http1parser.WriteRequestLine(w, http1parser.RequestLine{
		Method: r.Method, Target: target, Version: r.Version,
	}); err != nil {
		return err
	}
	return r.Header.WriteTo(w)
}

// Response 上游响应
type Response struct {
	Version    string
	StatusCode int
	Status     string
	Header     *http1parser.HeaderBlock

	ContentLength int64
	Chunked       bool
	KeepAlive     bool

	Is100Continue     bool
	ExpectationFailed bool

	BodyRead bool
	Body     []byte

	Locked    bool
	ReRequest bool
}

func readResponseHead(fs *http1parser.FramedStream, reqVersion string, counter *TrafficCounter) (*Response, error) {
	line, err := fs.ReadLine()
	if err != nil {
		return nil, err
	}
	sl, err := http1parser.ParseStatusLine(line)
	if err != nil {
		return nil, err
	}
	header, err := http1parser.ReadHeaderBlock(fs)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Version:       sl.Version,
		StatusCode:    sl.Code,
		Status:        sl.Reason,
		Header:        header,
		ContentLength: -1,
	}
	if cl := header.Get("Content-Length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil && n >= 0 {
			resp.ContentLength = n
		}
	}
	for _, te := range header.Values("Transfer-Encoding") {
		if strings.EqualFold(strings.TrimSpace(te), "chunked") {
			resp.Chunked = true
		}
	}
	resp.computeKeepAlive(reqVersion)
	if counter != nil {
		counter.addRespHeader(headSize(line, header))
	}
	return resp, nil
}

func (resp *Response) computeKeepAlive(reqVersion string) {
	if resp.Header.TokenListContains("Connection", "close") {
		resp.KeepAlive = false
		return
	}
	if resp.Version == "HTTP/1.0" {
		resp.KeepAlive = resp.Header.TokenListContains("Connection", "keep-alive")
		return
	}
	// HTTP/1.0的client即使server是1.1也不保证能处理保活
	resp.KeepAlive = reqVersion != "HTTP/1.0" ||
		resp.Header.TokenListContains("Connection", "keep-alive")
}

// HasBody 某些状态码按RFC7230不允许带body
func (resp *Response) HasBody(reqMethod string) bool {
	if reqMethod == "HEAD" {
		return false
	}
	if resp.StatusCode >= 100 && resp.StatusCode < 200 {
		return false
	}
	return resp.StatusCode != 204 && resp.StatusCode != 304
}

func (resp *Response) SetBody(body []byte) {
	resp.Body = body
	resp.BodyRead = true
	if !resp.Chunked {
		resp.ContentLength = int64(len(body))
	} else {
		// chunked响应改写后长度未知，用-1哨兵，写出时走chunked编码
		resp.ContentLength = -1
	}
}

func (resp *Response) writeHeadTo(w io.Writer) error {
	if err := http1parser.WriteStatusLine(w, http1parser.StatusLine{
		Version: resp.Version, Code: resp.StatusCode, Reason: resp.Status,
	}); err != nil {
		return err
	}
	return resp.Header.WriteTo(w)
}

// ConnectRequest CONNECT专用的请求记录，带两侧握手摘要。
// 非TLS隧道ClientHello为nil；只有盲转发时才会有ServerHello。
type ConnectRequest struct {
	Request
	ClientHello *tlspeek.ClientHelloInfo
	ServerHello *tlspeek.ServerHelloInfo
	// Excluded 为true时这条隧道不解密，字节原样转发
	Excluded bool
	IsTLS    bool
}

func hostPortOf(target string) (string, int, error) {
	host := target
	port := 443
	if i := strings.LastIndexByte(target, ':'); i >= 0 && !strings.Contains(target[i:], "]") {
		p, err := strconv.Atoi(target[i+1:])
		if err != nil || p <= 0 || p > 65535 {
			return "", 0, fmt.Errorf("mproxy: bad CONNECT target %q", target)
		}
		host, port = target[:i], p
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return "", 0, fmt.Errorf("mproxy: bad CONNECT target %q", target)
	}
	return host, port, nil
}
