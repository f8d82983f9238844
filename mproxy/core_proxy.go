package mproxy

import (
	"crypto/tls"
	"io"
	"log"
	"net"
	"os"
	"regexp"
	"sync"

	"mitm_man/signer"
)

/*
核心服务器。和普通http server的区别是：accept之后我们既是server
又是client，每个被接受的连接由一个goroutine独占处理，把raw tcp
变成一串"请求/响应交换"。监听和accept循环不在这里，由main或者
调用方持有listener后把conn交给端点的HandleClient。
*/
type CoreMitmServer struct {
	// BufferSize 帧窗口容量，同时也是splice的分块大小
	BufferSize int
	// EnableWinAuth 打开401挑战处理，并为带body的请求预读body以便重放
	EnableWinAuth bool
	// Enable100Continue 打开后把100/417中间状态转发给client
	Enable100Continue bool
	// TLSMinVersion/TLSMaxVersion 对被解密隧道做server握手时提供的版本范围
	TLSMinVersion uint16
	TLSMaxVersion uint16

	CertStore *signer.CertStore
	Factory   *ConnFactory

	// Authorizer 显式代理的授权判定。拒绝时自己负责写完整的407
	// 响应并返回false；通过时返回true且什么都不写
	Authorizer func(w io.Writer, sess *Psession) bool
	// Challenger 401挑战处理器(Windows/NTLM一类)，可为nil
	Challenger AuthChallenger

	Logger  Logger
	Verbose bool

	// ExceptionReporter 所有会话级失败最终汇到这里
	ExceptionReporter func(err error)

	connectReqHooks  []ConnectHook
	connectRespHooks []ConnectHook
	reqHooks         []ReqHook
	respHooks        []RespHook
	dataSent         []DataObserver
	dataReceived     []DataObserver

	sess        int64
	Connections sync.Map // session id -> *ConnectionInfo
	bufPool     *BufPool
	bufPoolOnce sync.Once
}

func NewCoreMitmServer() *CoreMitmServer {
	return &CoreMitmServer{
		BufferSize:    8192,
		TLSMinVersion: tls.VersionTLS10,
		TLSMaxVersion: tls.VersionTLS13,
		Factory:       NewConnFactory(),
		Logger:        log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (proxy *CoreMitmServer) pool() *BufPool {
	proxy.bufPoolOnce.Do(func() {
		proxy.bufPool = NewBufPool(proxy.BufferSize)
	})
	return proxy.bufPool
}

func (proxy *CoreMitmServer) reportException(err error) {
	if err == nil {
		return
	}
	if proxy.ExceptionReporter != nil {
		proxy.ExceptionReporter(err)
		return
	}
	proxy.Logger.Printf("ERROR: %v", err)
}

// ExplicitEndpoint 显式端点：client把这里配置成代理，发CONNECT
// 和绝对URL请求。include/exclude决定哪些隧道解密。
type ExplicitEndpoint struct {
	Proxy *CoreMitmServer
	// IncludeRegex 配置后只有匹配的host才解密。注意：include一旦
	// 配置会覆盖exclude先前的判定(沿用观察到的行为，待复核)
	IncludeRegex *regexp.Regexp
	// ExcludeRegex 匹配的host不解密，盲转发
	ExcludeRegex *regexp.Regexp
	// DecryptDefault 两个regex都没配时是否默认解密
	DecryptDefault bool
	// GenericCert 配置后直接用这张证书，不走CertStore签发
	GenericCert *tls.Certificate
}

// Serve 对listener循环accept，每个client一个goroutine。
// accept循环本体属于调用方，这里只是常用形态的封装。
func (ep *ExplicitEndpoint) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go ep.HandleClient(conn)
	}
}

// TransparentEndpoint 透明端点：流量被NAT/iptables引过来，
// 第一时间按SNI终止TLS
type TransparentEndpoint struct {
	Proxy *CoreMitmServer
	// TLSEnabled 为false时直接按明文HTTP处理
	TLSEnabled bool
	// GenericCertName client没发SNI时的兜底证书名
	GenericCertName string
	// GenericCert 同ExplicitEndpoint
	GenericCert *tls.Certificate
}

func (ep *TransparentEndpoint) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go ep.HandleClient(conn)
	}
}

// 证书选择：端点给了固定证书就用固定的，否则按泛化名找CertStore签
func (proxy *CoreMitmServer) certFor(host string, generic *tls.Certificate) (*tls.Certificate, error) {
	if generic != nil {
		return generic, nil
	}
	if proxy.CertStore == nil {
		return nil, signer.ErrNoCA
	}
	return proxy.CertStore.Mint(signer.WildcardName(host))
}

func (proxy *CoreMitmServer) serverTLSConfig(cert *tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   proxy.TLSMinVersion,
		MaxVersion:   proxy.TLSMaxVersion,
	}
}
