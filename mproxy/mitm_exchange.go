package mproxy

import (
	"sync/atomic"
	"time"

	"mitm_man/http1parser"
)

var exchangeIDCounter int64

// HttpExchange MITM模式下一次完整请求-响应交互的快照，
// 响应写完后推给hub
type HttpExchange struct {
	ID        int64            `json:"id"`
	SessionID int64            `json:"sessionId"`
	ParentID  int64            `json:"parentId"`
	Time      int64            `json:"time"`
	Request   RequestSnapshot  `json:"request"`
	Response  ResponseSnapshot `json:"response"`
	Duration  int64            `json:"duration"`
	Error     string           `json:"error,omitempty"`
}

type RequestSnapshot struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Host    string              `json:"host"`
	Header  map[string][]string `json:"header"`
	SumSize int64               `json:"sumSize"`
}

type ResponseSnapshot struct {
	StatusCode int                 `json:"statusCode"`
	Status     string              `json:"status"`
	Header     map[string][]string `json:"header"`
	SumSize    int64               `json:"sumSize"`
}

var GlobalExchangeChan = make(chan *HttpExchange, 1000)

// finishExchange 交换收尾时打快照并非阻塞发送，channel满了就丢。
// 防重入：一次交换只发一份。
func (sess *Psession) finishExchange() {
	if sess.Req == nil || sess.exchangeSent {
		return
	}
	sess.exchangeSent = true
	sess.TrafficCounter.UpdateTotal()

	exchange := &HttpExchange{
		ID:        atomic.AddInt64(&exchangeIDCounter, 1),
		SessionID: sess.Session,
		Time:      sess.started.UnixMilli(),
		Duration:  time.Since(sess.started).Milliseconds(),
		Request: RequestSnapshot{
			Method:  sess.Req.Method,
			URL:     sess.Req.URL.String(),
			Host:    sess.Req.URL.Host,
			Header:  headerMap(sess.Req.Header),
			SumSize: sess.TrafficCounter.ReqSum,
		},
	}
	if sess.Resp != nil {
		exchange.Response = ResponseSnapshot{
			StatusCode: sess.Resp.StatusCode,
			Status:     sess.Resp.Status,
			Header:     headerMap(sess.Resp.Header),
			SumSize:    sess.TrafficCounter.RespSum,
		}
	}
	if sess.Error != nil {
		exchange.Error = sess.Error.Error()
	}

	select {
	case GlobalExchangeChan <- exchange:
	default:
	}
}

func headerMap(h *http1parser.HeaderBlock) map[string][]string {
	if h == nil {
		return nil
	}
	m := make(map[string][]string, h.Len())
	for _, f := range h.Fields() {
		m[f.Name] = append(m[f.Name], f.Value)
	}
	return m
}
