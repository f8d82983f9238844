package mproxy

/************拦截hook：四个挂载点 + 两个字节观察器************/
// hook拿到的是可变的session视图，按注册顺序串行执行。任何一个
// 返回错误都会包成HookFailureError上报并终止本次交换。session
// 被单个goroutine独占，hook内不需要加锁。

// ConnectHook CONNECT隧道建立前后各触发一次
type ConnectHook interface {
	HandleConnect(connect *ConnectRequest, sess *Psession) error
}

type FuncConnectHook func(connect *ConnectRequest, sess *Psession) error

func (f FuncConnectHook) HandleConnect(connect *ConnectRequest, sess *Psession) error {
	return f(connect, sess)
}

// ReqHook 请求头解析完、发往上游之前
type ReqHook interface {
	HandleReq(sess *Psession) error
}

type FuncReqHook func(sess *Psession) error

func (f FuncReqHook) HandleReq(sess *Psession) error {
	return f(sess)
}

// RespHook 响应头收到、回写client之前
type RespHook interface {
	HandleResp(sess *Psession) error
}

type FuncRespHook func(sess *Psession) error

func (f FuncRespHook) HandleResp(sess *Psession) error {
	return f(sess)
}

// DataObserver body/隧道字节的旁路观察器。chunk只在回调期间有效，
// 不得持有
type DataObserver func(sess *Psession, chunk []byte)

/**************************注册函数********************************/

func (proxy *CoreMitmServer) HookOnConnectReq(f func(connect *ConnectRequest, sess *Psession) error) {
	proxy.connectReqHooks = append(proxy.connectReqHooks, FuncConnectHook(f))
}

func (proxy *CoreMitmServer) HookOnConnectResp(f func(connect *ConnectRequest, sess *Psession) error) {
	proxy.connectRespHooks = append(proxy.connectRespHooks, FuncConnectHook(f))
}

func (proxy *CoreMitmServer) HookOnReq(f func(sess *Psession) error) {
	proxy.reqHooks = append(proxy.reqHooks, FuncReqHook(f))
}

func (proxy *CoreMitmServer) HookOnResp(f func(sess *Psession) error) {
	proxy.respHooks = append(proxy.respHooks, FuncRespHook(f))
}

func (proxy *CoreMitmServer) OnDataSent(f DataObserver) {
	proxy.dataSent = append(proxy.dataSent, f)
}

func (proxy *CoreMitmServer) OnDataReceived(f DataObserver) {
	proxy.dataReceived = append(proxy.dataReceived, f)
}

/**************************触发函数********************************/

func (proxy *CoreMitmServer) fireConnectReq(connect *ConnectRequest, sess *Psession) error {
	for _, h := range proxy.connectReqHooks {
		if err := h.HandleConnect(connect, sess); err != nil {
			return &HookFailureError{Hook: "tunnel-connect-request", Cause: err}
		}
	}
	return nil
}

func (proxy *CoreMitmServer) fireConnectResp(connect *ConnectRequest, sess *Psession) error {
	for _, h := range proxy.connectRespHooks {
		if err := h.HandleConnect(connect, sess); err != nil {
			return &HookFailureError{Hook: "tunnel-connect-response", Cause: err}
		}
	}
	return nil
}

func (proxy *CoreMitmServer) fireBeforeRequest(sess *Psession) error {
	for _, h := range proxy.reqHooks {
		if err := h.HandleReq(sess); err != nil {
			return &HookFailureError{Hook: "before-request", Cause: err}
		}
	}
	return nil
}

func (proxy *CoreMitmServer) fireBeforeResponse(sess *Psession) error {
	for _, h := range proxy.respHooks {
		if err := h.HandleResp(sess); err != nil {
			return &HookFailureError{Hook: "before-response", Cause: err}
		}
	}
	return nil
}

func (proxy *CoreMitmServer) fireDataSent(sess *Psession, chunk []byte) {
	for _, f := range proxy.dataSent {
		f(sess, chunk)
	}
}

func (proxy *CoreMitmServer) fireDataReceived(sess *Psession, chunk []byte) {
	for _, f := range proxy.dataReceived {
		f(sess, chunk)
	}
}
