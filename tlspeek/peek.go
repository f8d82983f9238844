// Package tlspeek 从FramedStream的peek窗口里读取第一个TLS握手记录，
// 在不消费任何字节、不完成握手的前提下取出SNI/ALPN/版本信息。
// 隧道分类(解密还是盲转发)和透明端点的证书选择都建立在它上面。
package tlspeek

import (
	"mitm_man/http1parser"
)

const (
	recordTypeHandshake = 0x16
	handshakeClientHello = 0x01
	handshakeServerHello = 0x02

	extServerName        = 0
	extALPN              = 16
	extSupportedVersions = 43
)

// ClientHelloInfo 对端ClientHello的摘要
type ClientHelloInfo struct {
	SNI          string
	ALPN         []string
	Versions     []uint16
	CipherSuites []uint16
}

// ServerHelloInfo 上游ServerHello的摘要，盲转发TLS隧道时从
// 上游侧peek得到
type ServerHelloInfo struct {
	Version     uint16
	CipherSuite uint16
	ALPN        string
}

// cursor 防越界游标。TLS扩展来自不可信输入，所有读取都必须
// 经过界检查，越界时ok置false后续全部短路。
type cursor struct {
	data []byte
	pos  int
	ok   bool
}

func (c *cursor) bytes(n int) []byte {
	if !c.ok || c.pos+n > len(c.data) {
		c.ok = false
		return nil
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *cursor) u8() int {
	b := c.bytes(1)
	if b == nil {
		return 0
	}
	return int(b[0])
}

func (c *cursor) u16() int {
	b := c.bytes(2)
	if b == nil {
		return 0
	}
	return int(b[0])<<8 | int(b[1])
}

func (c *cursor) skip(n int) {
	c.bytes(n)
}

// peekRecord 返回指定握手类型的第一个记录的明文(不含记录头)。
// 先看一个字节就下结论：不是0x16立即放行，绝不为了凑满记录头
// 把一个非TLS的短首包堵死在这里。
// 记录比peek窗口大时返回能拿到的部分，解析按截断数据尽力而为。
func peekRecord(fs *http1parser.FramedStream, wantType byte) []byte {
	if fs.PeekByte(0) != recordTypeHandshake {
		return nil
	}
	hdr, err := fs.Peek(6)
	if err != nil {
		return nil
	}
	if hdr[1] != 0x03 || hdr[2] > 0x04 || hdr[5] != wantType {
		return nil
	}
	recLen := int(hdr[3])<<8 | int(hdr[4])
	total := 5 + recLen
	if total > fs.Capacity() {
		total = fs.Capacity()
	}
	data, err := fs.Peek(total)
	if err != nil {
		// 对端只发了半个记录就停了，能解析多少算多少
		data, err = fs.Peek(fs.Available())
		if err != nil {
			return nil
		}
	}
	return data[5:]
}

// ClientHello 探测客户端首包。不是TLS握手时返回nil，探测本身
// 不消费字节。
func ClientHello(fs *http1parser.FramedStream) *ClientHelloInfo {
	body := peekRecord(fs, handshakeClientHello)
	if body == nil {
		return nil
	}
	info := &ClientHelloInfo{}
	c := &cursor{data: body, ok: true}
	c.skip(1) // handshake type
	c.skip(3) // handshake length
	legacy := c.u16()
	info.Versions = append(info.Versions, uint16(legacy))
	c.skip(32) // random
	c.skip(c.u8()) // session id
	csLen := c.u16()
	for i := 0; i+1 < csLen && c.ok; i += 2 {
		info.CipherSuites = append(info.CipherSuites, uint16(c.u16()))
	}
	c.skip(c.u8()) // compression methods
	extLen := c.u16()
	end := c.pos + extLen
	for c.ok && c.pos < end {
		extType := c.u16()
		extData := c.bytes(c.u16())
		if extData == nil {
			break
		}
		ec := &cursor{data: extData, ok: true}
		switch extType {
		case extServerName:
			ec.skip(2) // server name list length
			if ec.u8() == 0 { // host_name
				name := ec.bytes(ec.u16())
				if ec.ok {
					info.SNI = string(name)
				}
			}
		case extALPN:
			ec.skip(2)
			for ec.ok && ec.pos < len(extData) {
				proto := ec.bytes(ec.u8())
				if ec.ok && len(proto) > 0 {
					info.ALPN = append(info.ALPN, string(proto))
				}
			}
		case extSupportedVersions:
			listLen := ec.u8()
			for i := 0; i+1 < listLen && ec.ok; i += 2 {
				info.Versions = append(info.Versions, uint16(ec.u16()))
			}
		}
	}
	return info
}

// ServerHello 探测上游首包，用法同ClientHello
func ServerHello(fs *http1parser.FramedStream) *ServerHelloInfo {
	body := peekRecord(fs, handshakeServerHello)
	if body == nil {
		return nil
	}
	info := &ServerHelloInfo{}
	c := &cursor{data: body, ok: true}
	c.skip(1)
	c.skip(3)
	info.Version = uint16(c.u16())
	c.skip(32)
	c.skip(c.u8())
	info.CipherSuite = uint16(c.u16())
	c.skip(1) // compression
	extLen := c.u16()
	end := c.pos + extLen
	for c.ok && c.pos < end {
		extType := c.u16()
		extData := c.bytes(c.u16())
		if extData == nil {
			break
		}
		ec := &cursor{data: extData, ok: true}
		switch extType {
		case extALPN:
			ec.skip(2)
			proto := ec.bytes(ec.u8())
			if ec.ok {
				info.ALPN = string(proto)
			}
		case extSupportedVersions:
			// server侧是单个选定版本
			info.Version = uint16(ec.u16())
		}
	}
	return info
}

// LooksLikeHTTPMethod 解密之后进请求循环之前的最后一道探测：
// peek最多10个字节，前面至少3个连续ASCII字母后跟空格才像HTTP。
// 有些客户端在443上跑的根本不是HTTP，这种要退回盲转发。
func LooksLikeHTTPMethod(fs *http1parser.FramedStream) bool {
	letters := 0
	for i := 0; i < 10; i++ {
		b := fs.PeekByte(i)
		if b == http1parser.EOFByte {
			return false
		}
		if b == ' ' {
			return letters >= 3
		}
		if (b < 'A' || b > 'Z') && (b < 'a' || b > 'z') {
			return false
		}
		letters++
	}
	return false
}
