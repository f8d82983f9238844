package mproxy

import (
	"net"
	"net/url"
	"time"

	"mitm_man/http1parser"
)

// Psession 一次请求/响应交换的上下文。生命周期=一次交换，循环的
// 每轮都会新建，下一轮开始前销毁。client流由连接处理器在整个
// accept生命周期里独占；outbound在使用期间由本session独占，
// 显式Release才还给池子。
type Psession struct {
	proxy *CoreMitmServer

	Session int64
	Req     *Request
	Resp    *Response
	// Connect 隧道内的交换能看到所属的CONNECT记录，普通请求为nil
	Connect *ConnectRequest

	clientConn net.Conn
	client     *http1parser.FramedStream
	outbound   *OutboundConn

	// ClientTLS client一侧是否已被解密(CONNECT解密或透明TLS终止)
	ClientTLS bool
	// ImplicitHost 透明端点的SNI或配置兜底名
	ImplicitHost string

	TrafficCounter *TrafficCounter
	UserData       any
	Error          error
	started        time.Time
	exchangeSent   bool

	// respStarted 已经向client写过响应字节，此后出错不能再回502
	respStarted bool
}

// SetUpstreamProxy before-request hook用来改写出站路由。
// 换上游会强制释放当前连接重新获取。
func (sess *Psession) SetUpstreamProxy(u *url.URL) {
	if sess.Req != nil {
		sess.Req.UpstreamProxy = u
	}
}

// CancelRequest hook取消本次请求，资源释放后循环退出
func (sess *Psession) CancelRequest() {
	if sess.Req != nil {
		sess.Req.CancelRequest = true
	}
}

// ClientAddr client的远端地址
func (sess *Psession) ClientAddr() string {
	if sess.clientConn == nil {
		return ""
	}
	return sess.clientConn.RemoteAddr().String()
}

// Outbound 当前持有的上游连接，hook只读
func (sess *Psession) Outbound() *OutboundConn {
	return sess.outbound
}

/*日志两层抽象：私有printf统一加session号前缀，公有Log_P受Verbose门控*/
func (sess *Psession) printf(msg string, argv ...any) {
	sess.proxy.Logger.Printf("[%03d] "+msg, append([]any{sess.Session & 0xFFFF}, argv...)...)
}

func (sess *Psession) Log_P(msg string, argv ...any) {
	if sess.proxy.Verbose {
		sess.printf("INFO: "+msg, argv...)
	}
}

func (sess *Psession) WarnP(msg string, argv ...any) {
	sess.printf("WARN: "+msg, argv...)
}
