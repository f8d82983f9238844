package proxysocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitm_man/mproxy"
)

func TestTopicMask(t *testing.T) {
	assert.Equal(t, TopicTraffic|TopicLogs, topicMask([]string{"traffic", "logs"}))
	// 不认识的主题名忽略
	assert.Equal(t, Topic(0), topicMask([]string{"bogus"}))
	assert.Equal(t, TopicConns|TopicExchanges, topicMask([]string{"connections", "exchanges"}))
}

func TestControlTokenGate(t *testing.T) {
	cs := &ControlServer{Proxy: mproxy.NewCoreMitmServer(), Token: "s3cret"}
	cs.init()
	srv := httptest.NewServer(cs.handler())
	defer srv.Close()

	// 令牌不对直接401，连upgrade都不给
	resp, err := http.Get(srv.URL + "/ws?token=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// watch订阅+等级过滤：INFO被拦下，WARN推到
func TestControlSubscribePush(t *testing.T) {
	cs := &ControlServer{Proxy: mproxy.NewCoreMitmServer(), Token: "s3cret"}
	cs.init()
	srv := httptest.NewServer(cs.handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=s3cret"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(controlMsg{
		Op:     "watch",
		Topics: []string{"logs"},
		Level:  "WARN",
	}))

	// 订阅在readLoop里异步生效
	require.Eventually(t, func() bool {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		for sub := range cs.subs {
			if sub.topics.Load() != 0 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cs.publish(TopicLogs, levelInfo, "log", mproxy.LogMessage{Level: "INFO", Message: "noise"})
	cs.publish(TopicTraffic, 0, "traffic", trafficDelta{Up: 1})
	cs.publish(TopicLogs, levelWarn, "log", mproxy.LogMessage{Level: "WARN", Message: "boom"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Type string            `json:"type"`
		Data mproxy.LogMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	// 没订traffic、INFO又低于门槛，第一帧就该是WARN
	assert.Equal(t, "log", frame.Type)
	assert.Equal(t, "boom", frame.Data.Message)
}
