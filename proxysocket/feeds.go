package proxysocket

import (
	"encoding/json"
	"time"

	"mitm_man/mproxy"
)

// envelope 下行帧的统一外壳
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// publish 编码一次，按订阅掩码非阻塞分发。level只对日志帧有意义。
func (cs *ControlServer) publish(topic Topic, level int, typ string, data any) {
	cs.init()
	raw, err := json.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		return
	}
	cs.mu.Lock()
	for sub := range cs.subs {
		if Topic(sub.topics.Load())&topic == 0 {
			continue
		}
		if topic == TopicLogs && int32(level) < sub.minLevel.Load() {
			continue
		}
		select {
		case sub.out <- raw:
		default:
			// 队列满直接丢帧，保住转发主流程
		}
	}
	cs.mu.Unlock()
}

type trafficDelta struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

// connView 连接快照的下行视图
type connView struct {
	ID       int64  `json:"id"`
	Parent   int64  `json:"parentId"`
	Host     string `json:"host"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Remote   string `json:"remote"`
	Protocol string `json:"protocol"`
	AgeMs    int64  `json:"ageMs"`
	Up       int64  `json:"up"`
	Down     int64  `json:"down"`
}

// feedTicker 单一时钟：每秒推一次流量增量，每隔一拍带上连接快照
func (cs *ControlServer) feedTicker() {
	var lastUp, lastDown int64
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for n := 1; ; n++ {
		<-tick.C
		up := mproxy.GlobalTrafficUp.Load()
		down := mproxy.GlobalTrafficDown.Load()
		cs.publish(TopicTraffic, 0, "traffic", trafficDelta{Up: up - lastUp, Down: down - lastDown})
		lastUp, lastDown = up, down
		if n%2 == 0 {
			cs.publish(TopicConns, 0, "connections", cs.snapshotConns())
		}
	}
}

func (cs *ControlServer) snapshotConns() []connView {
	views := make([]connView, 0)
	cs.Proxy.Connections.Range(func(_, value any) bool {
		info, ok := value.(*mproxy.ConnectionInfo)
		if !ok {
			return true
		}
		v := connView{
			ID:       info.Session,
			Parent:   info.ParentSess,
			Host:     info.Host,
			Method:   info.Method,
			URL:      info.URL,
			Remote:   info.RemoteAddr,
			Protocol: info.Protocol,
			AgeMs:    time.Since(info.StartTime).Milliseconds(),
		}
		// 流量引用指向活动会话的计数器，读到的是实时值
		if info.UploadRef != nil {
			v.Up = *info.UploadRef
		}
		if info.DownloadRef != nil {
			v.Down = *info.DownloadRef
		}
		views = append(views, v)
		return true
	})
	return views
}

func (cs *ControlServer) feedLogs() {
	for msg := range mproxy.LogChan {
		cs.publish(TopicLogs, levelRank(msg.Level), "log", msg)
	}
}

func (cs *ControlServer) feedExchanges() {
	for ex := range mproxy.GlobalExchangeChan {
		cs.publish(TopicExchanges, 0, "exchange", ex)
	}
}
