package mproxy

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"mitm_man/http1parser"
)

// ConnKey 上游连接的身份。复用只认完整元组：hook改了上游路由
// 或者下一个请求换了目标，连接就必须释放重建。
type ConnKey struct {
	Host       string
	Port       int
	Version    string
	IsTLS      bool
	UpstreamID string
	Bind       string
}

func (k ConnKey) addr() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// OutboundConn 出借给session独占使用的上游连接。干净结束或下一个
// 请求身份不匹配时Release回池(出过错的连接Release时直接关闭)，
// 交换被处置时Discard销毁。
type OutboundConn struct {
	Key     ConnKey
	conn    net.Conn
	fs      *http1parser.FramedStream
	// proxied 经由明文上游代理，请求行要写绝对URL
	proxied bool
	created time.Time
	broken  bool
}

func (oc *OutboundConn) Stream() *http1parser.FramedStream { return oc.fs }

func (oc *OutboundConn) Conn() net.Conn { return oc.conn }

func (oc *OutboundConn) Write(p []byte) (int, error) {
	n, err := oc.conn.Write(p)
	if err != nil {
		oc.broken = true
	}
	return n, err
}

// markBroken I/O出过错的连接不允许回池
func (oc *OutboundConn) markBroken() { oc.broken = true }

type idleConn struct {
	oc *OutboundConn
	at time.Time
}

// ConnFactory 出站连接工厂+池。进程级共享，并发安全。
type ConnFactory struct {
	DialTimeout time.Duration
	// TLSClientConfig 对上游做TLS握手的模板，默认跳过验证：
	// 我们本来就是中间人，client信任的是我们签的证书
	TLSClientConfig *tls.Config

	UpstreamHTTP  *url.URL
	UpstreamHTTPS *url.URL
	// Bind 出站本地绑定端点(多出口机器选源地址用)
	Bind string

	BufferSize    int
	MaxIdlePerKey int
	IdleTimeout   time.Duration

	// mu只护池子本身，拨号期间不持锁
	mu   sync.Mutex
	idle map[ConnKey][]idleConn
}

func NewConnFactory() *ConnFactory {
	return &ConnFactory{
		DialTimeout:     30 * time.Second,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		BufferSize:      8192,
		MaxIdlePerKey:   2,
		IdleTimeout:     60 * time.Second,
		idle:            make(map[ConnKey][]idleConn),
	}
}

// KeyFor 计算目标的连接身份。override是hook指定的自定义上游，
// isForConnect表示CONNECT链式隧道(影响上游的选择)。
func (f *ConnFactory) KeyFor(host string, port int, version string, isTLS bool, isForConnect bool, override *url.URL) ConnKey {
	key := ConnKey{Host: host, Port: port, Version: version, IsTLS: isTLS, Bind: f.Bind}
	if via := f.pickUpstream(isTLS, isForConnect, override); via != nil {
		key.UpstreamID = via.String()
	}
	return key
}

func (f *ConnFactory) pickUpstream(isTLS, isForConnect bool, override *url.URL) *url.URL {
	if override != nil {
		return override
	}
	if isTLS || isForConnect {
		return f.UpstreamHTTPS
	}
	return f.UpstreamHTTP
}

// Acquire 取一条匹配key的连接：先翻池子，没有就拨号。
// isForConnect表示盲转发隧道，不做TLS包装，经上游时用CONNECT链。
func (f *ConnFactory) Acquire(key ConnKey, isForConnect bool, override *url.URL) (*OutboundConn, error) {
	f.mu.Lock()
	entries := f.idle[key]
	for len(entries) > 0 {
		last := entries[len(entries)-1]
		entries = entries[:len(entries)-1]
		f.idle[key] = entries
		if time.Since(last.at) < f.IdleTimeout {
			f.mu.Unlock()
			return last.oc, nil
		}
		_ = last.oc.conn.Close()
	}
	f.mu.Unlock()

	return f.dialNew(key, isForConnect, override)
}

func (f *ConnFactory) dialNew(key ConnKey, isForConnect bool, override *url.URL) (*OutboundConn, error) {
	dialer := net.Dialer{Timeout: f.DialTimeout}
	if key.Bind != "" {
		addr, err := net.ResolveTCPAddr("tcp", key.Bind)
		if err != nil {
			return nil, &UpstreamUnreachableError{Target: key.addr(), Cause: err}
		}
		dialer.LocalAddr = addr
	}

	via := f.pickUpstream(key.IsTLS, isForConnect, override)
	dialAddr := key.addr()
	if via != nil {
		dialAddr = via.Host
		if via.Port() == "" {
			dialAddr = net.JoinHostPort(via.Hostname(), "8080")
		}
	}

	conn, err := dialer.Dial("tcp", dialAddr)
	if err != nil {
		return nil, &UpstreamUnreachableError{Target: key.addr(), Cause: err}
	}

	if via != nil && (key.IsTLS || isForConnect) {
		// 多级代理：先让上游替我们建隧道
		if err := chainConnect(conn, key.addr(), via); err != nil {
			conn.Close()
			return nil, &UpstreamUnreachableError{Target: key.addr(), Cause: err}
		}
	}

	proxied := via != nil && !key.IsTLS && !isForConnect

	if key.IsTLS && !isForConnect {
		cfg := f.TLSClientConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = key.Host
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, &UpstreamUnreachableError{Target: key.addr(), Cause: err}
		}
		conn = tlsConn
	}

	return &OutboundConn{
		Key:     key,
		conn:    conn,
		fs:      http1parser.NewFramedStream(conn, f.BufferSize),
		proxied: proxied,
		created: time.Now(),
	}, nil
}

// chainConnect 向上游代理发CONNECT并等2xx
func chainConnect(conn net.Conn, target string, via *url.URL) error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if u := via.User; u != nil {
		// 上游要求认证时透传userinfo
		pass, _ := u.Password()
		req += "Proxy-Authorization: Basic " + basicToken(u.Username(), pass) + "\r\n"
	}
	req += "\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		return err
	}
	fs := http1parser.NewFramedStream(conn, 4096)
	line, err := fs.ReadLine()
	if err != nil {
		return err
	}
	sl, err := http1parser.ParseStatusLine(line)
	if err != nil {
		return err
	}
	if _, err := http1parser.ReadHeaderBlock(fs); err != nil {
		return err
	}
	if sl.Code/100 != 2 {
		return fmt.Errorf("mproxy: upstream proxy refused CONNECT: %d %s", sl.Code, sl.Reason)
	}
	if fs.Available() > 0 {
		// 上游在200后面夹带了数据，协议乱了
		return http1parser.ErrMalformedFraming
	}
	return nil
}

// Release 干净结束的连接还回池子
func (f *ConnFactory) Release(oc *OutboundConn) {
	if oc == nil {
		return
	}
	// 读窗口里有残留字节说明上一次响应没读干净，不能复用
	if oc.broken || oc.fs.Available() > 0 {
		oc.conn.Close()
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.idle[oc.Key]
	if len(entries) >= f.MaxIdlePerKey {
		oc.conn.Close()
		return
	}
	f.idle[oc.Key] = append(entries, idleConn{oc: oc, at: time.Now()})
}

// Discard 直接销毁
func (f *ConnFactory) Discard(oc *OutboundConn) {
	if oc != nil {
		oc.conn.Close()
	}
}

// CloseIdle 清空池子(测试和退出时用)
func (f *ConnFactory) CloseIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, entries := range f.idle {
		for _, e := range entries {
			e.oc.conn.Close()
		}
		delete(f.idle, key)
	}
}

// WriteBadGateway 拨号失败时由工厂一侧合成502。只能在还没写过
// 响应字节时调用。
func WriteBadGateway(w io.Writer, err error) {
	msg := err.Error()
	fmt.Fprintf(w,
		"HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(msg), msg)
}
