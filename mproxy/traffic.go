package mproxy

import (
	"sync/atomic"
	"time"
)

var (
	GlobalTrafficUp   atomic.Int64 // 累计上行流量
	GlobalTrafficDown atomic.Int64 // 累计下行流量
)

// TrafficCounter 单次交换的流量统计，头部和body分开记
type TrafficCounter struct {
	ReqHeader  int64
	ReqBody    int64
	RespHeader int64
	RespBody   int64
	ReqSum     int64
	RespSum    int64
	Total      int64
}

func (c *TrafficCounter) addReqHeader(n int64) {
	c.ReqHeader += n
	c.ReqSum += n
	GlobalTrafficUp.Add(n)
}

func (c *TrafficCounter) addReqBody(n int64) {
	c.ReqBody += n
	c.ReqSum += n
	GlobalTrafficUp.Add(n)
}

func (c *TrafficCounter) addRespHeader(n int64) {
	c.RespHeader += n
	c.RespSum += n
	GlobalTrafficDown.Add(n)
}

func (c *TrafficCounter) addRespBody(n int64) {
	c.RespBody += n
	c.RespSum += n
	GlobalTrafficDown.Add(n)
}

func (c *TrafficCounter) UpdateTotal() {
	c.Total = c.ReqSum + c.RespSum
}

// ConnectionInfo 活动连接登记项。UploadRef/DownloadRef指向计数器
// 字段，hub推送时直接读实时值
type ConnectionInfo struct {
	Session     int64     `json:"id"`
	ParentSess  int64     `json:"parentId"`
	Host        string    `json:"host"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	RemoteAddr  string    `json:"remote"`
	Protocol    string    `json:"protocol"` // HTTP / HTTPS-Tunnel / HTTPS-MITM / Transparent / Transparent-TLS
	StartTime   time.Time `json:"startTime"`
	UploadRef   *int64    `json:"-"`
	DownloadRef *int64    `json:"-"`
	OnClose     func()    `json:"-"`
}

func (proxy *CoreMitmServer) registerConn(info *ConnectionInfo) {
	proxy.Connections.Store(info.Session, info)
}

func (proxy *CoreMitmServer) MarkConnectionClosed(session int64) {
	proxy.Connections.Delete(session)
}
