// Package proxysocket 是代理的控制面。一条websocket进来就是一个
// subscriber，所有下行推送汇聚到唯一的publish路径上。和代理主体
// 的耦合只有三个输入源：全局流量计数器、连接登记表、日志/交换
// channel。
//
// 并发模型：publish持锁遍历时只做非阻塞入队，每个subscriber有
// 自己的有界发送队列和唯一的写协程。慢消费者丢帧，绝不把背压
// 传回转发主流程。
package proxysocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"mitm_man/mproxy"
)

// Topic 订阅位掩码，一个subscriber可以同时挂多个
type Topic uint32

const (
	TopicTraffic Topic = 1 << iota
	TopicConns
	TopicLogs
	TopicExchanges
)

func topicMask(names []string) Topic {
	var m Topic
	for _, n := range names {
		switch n {
		case "traffic":
			m |= TopicTraffic
		case "connections":
			m |= TopicConns
		case "logs":
			m |= TopicLogs
		case "exchanges":
			m |= TopicExchanges
		}
	}
	return m
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func levelRank(s string) int {
	switch s {
	case "DEBUG":
		return levelDebug
	case "WARN":
		return levelWarn
	case "ERROR":
		return levelError
	default:
		return levelInfo
	}
}

// subscriber 一个upgrade成功的控制端。topics/minLevel由读循环改、
// publish读，用原子量避免和分发路径抢锁。
type subscriber struct {
	conn     *websocket.Conn
	out      chan []byte
	topics   atomic.Uint32
	minLevel atomic.Int32
}

// writePump 这个subscriber唯一的写出口
func (sub *subscriber) writePump() {
	for data := range sub.out {
		if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// 写已经挂了，只排空队列等读侧出错后统一收尾
			for range sub.out {
			}
			return
		}
	}
}

// ControlServer 控制面入口
type ControlServer struct {
	Proxy *mproxy.CoreMitmServer
	Addr  string
	// Token 非空时upgrade前先验令牌(query或X-Control-Token头)
	Token string

	once sync.Once
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func (cs *ControlServer) init() {
	cs.once.Do(func() {
		cs.subs = make(map[*subscriber]struct{})
	})
}

// Start 起控制面：三个推送源加HTTP服务，全部后台运行，
// 失败只进日志不拖垮代理
func (cs *ControlServer) Start() {
	cs.init()
	go cs.feedTicker()
	go cs.feedLogs()
	go cs.feedExchanges()
	go func() {
		if err := http.ListenAndServe(cs.Addr, cs.handler()); err != nil {
			cs.Proxy.Logger.Printf("ERROR: control server: %v", err)
		}
	}()
}

func (cs *ControlServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", cs.serveWS)
	// 面板在别的端口上，跨域放开
	return cors.AllowAll().Handler(mux)
}

func (cs *ControlServer) serveWS(w http.ResponseWriter, r *http.Request) {
	if cs.Token != "" &&
		r.URL.Query().Get("token") != cs.Token &&
		r.Header.Get("X-Control-Token") != cs.Token {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := &subscriber{conn: conn, out: make(chan []byte, 64)}
	sub.minLevel.Store(levelInfo)
	cs.attach(sub)
	defer cs.detach(sub)
	go sub.writePump()
	cs.readLoop(sub)
}

func (cs *ControlServer) attach(sub *subscriber) {
	cs.mu.Lock()
	cs.subs[sub] = struct{}{}
	cs.mu.Unlock()
}

// detach 注销并关闭发送队列。和publish用同一把锁，
// 不存在向已关闭channel入队的窗口。
func (cs *ControlServer) detach(sub *subscriber) {
	cs.mu.Lock()
	if _, ok := cs.subs[sub]; ok {
		delete(cs.subs, sub)
		close(sub.out)
	}
	cs.mu.Unlock()
	_ = sub.conn.Close()
}

// controlMsg 控制端唯一的上行格式
type controlMsg struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics,omitempty"`
	Level  string   `json:"level,omitempty"`
}

// readLoop 处理订阅变更和管理指令，连接断开即返回
func (cs *ControlServer) readLoop(sub *subscriber) {
	for {
		_, raw, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch msg.Op {
		case "watch":
			sub.topics.Store(uint32(topicMask(msg.Topics)))
			sub.minLevel.Store(int32(levelRank(msg.Level)))
		case "closeConns":
			// 管理动作：对设了OnClose的登记项调用OnClose，再把所有
			// 登记项从登记表移除。登记表不持有连接本身，没设OnClose
			// 的登记项对应的连接不会被断开。
			cs.Proxy.Connections.Range(func(key, value any) bool {
				if info, ok := value.(*mproxy.ConnectionInfo); ok && info.OnClose != nil {
					info.OnClose()
				}
				cs.Proxy.MarkConnectionClosed(key.(int64))
				return true
			})
		}
	}
}
