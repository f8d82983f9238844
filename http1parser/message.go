package http1parser

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// RequestLine 请求起始行三元组
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

// StatusLine 响应起始行
type StatusLine struct {
	Version string
	Code    int
	Reason  string
}

// 方法只允许ASCII大写字母，这是代理侧收紧过的约束：
// 解密后隧道里出现非HTTP流量时要靠它快速判掉
func validMethod(m string) bool {
	if len(m) == 0 {
		return false
	}
	for i := 0; i < len(m); i++ {
		if m[i] < 'A' || m[i] > 'Z' {
			return false
		}
	}
	return true
}

func validVersion(v string) bool {
	// HTTP/d.d
	return len(v) == 8 && strings.HasPrefix(v, "HTTP/") &&
		v[5] >= '0' && v[5] <= '9' && v[6] == '.' && v[7] >= '0' && v[7] <= '9'
}

func ParseRequestLine(line string) (RequestLine, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, ErrMalformedFraming
	}
	rl := RequestLine{Method: parts[0], Target: parts[1], Version: strings.TrimSpace(parts[2])}
	if !validMethod(rl.Method) || rl.Target == "" || !validVersion(rl.Version) {
		return RequestLine{}, ErrMalformedFraming
	}
	return rl, nil
}

func ParseStatusLine(line string) (StatusLine, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !validVersion(parts[0]) {
		return StatusLine{}, ErrMalformedFraming
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return StatusLine{}, ErrMalformedFraming
	}
	sl := StatusLine{Version: parts[0], Code: code}
	if len(parts) == 3 {
		sl.Reason = parts[2]
	}
	return sl, nil
}

// HeaderField 单条头部，名字保留收到时的原样写法
type HeaderField struct {
	Name  string
	Value string
}

// HeaderBlock 有序头部集合。重复头按到达顺序全部保留，
// 语义查询按大小写不敏感匹配。不做canonical化，转发时
// 原样写出，避免破坏对大小写敏感的老旧server。
type HeaderBlock struct {
	fields []HeaderField
}

func NewHeaderBlock() *HeaderBlock {
	return &HeaderBlock{}
}

func (h *HeaderBlock) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Get 返回第一个匹配的值，没有则返回空串
func (h *HeaderBlock) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h *HeaderBlock) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values 返回全部匹配值，保持顺序
func (h *HeaderBlock) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set 用单条覆盖全部同名头。原先不存在则追加
func (h *HeaderBlock) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

func (h *HeaderBlock) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// DelPrefix 删除所有名字带指定前缀的头(Proxy-*)
func (h *HeaderBlock) DelPrefix(prefix string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if len(f.Name) < len(prefix) || !strings.EqualFold(f.Name[:len(prefix)], prefix) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

func (h *HeaderBlock) Fields() []HeaderField {
	return h.fields
}

func (h *HeaderBlock) Len() int {
	return len(h.fields)
}

// TokenListContains 按逗号切分value后大小写不敏感匹配token，
// 用于Connection: keep-alive,Upgrade这类列表头
func (h *HeaderBlock) TokenListContains(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// ReadHeaderBlock 逐行读头部直到空行。续行(以SP/HT开头)折叠进
// 上一条头的值。没有冒号的行视为帧破坏。
func ReadHeaderBlock(fs *FramedStream) (*HeaderBlock, error) {
	h := NewHeaderBlock()
	for {
		line, err := fs.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			// 折叠续行
			if len(h.fields) == 0 {
				return nil, ErrMalformedFraming
			}
			last := &h.fields[len(h.fields)-1]
			last.Value = last.Value + " " + strings.TrimLeft(line, " \t")
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, ErrMalformedFraming
		}
		h.Add(line[:colon], strings.TrimSpace(line[colon+1:]))
	}
}

// WriteTo 按CRLF规范写出头部块和结尾空行
func (h *HeaderBlock) WriteTo(w io.Writer) error {
	var sb strings.Builder
	for _, f := range h.fields {
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

func WriteRequestLine(w io.Writer, rl RequestLine) error {
	_, err := fmt.Fprintf(w, "%s %s %s\r\n", rl.Method, rl.Target, rl.Version)
	return err
}

func WriteStatusLine(w io.Writer, sl StatusLine) error {
	_, err := fmt.Fprintf(w, "%s %d %s\r\n", sl.Version, sl.Code, sl.Reason)
	return err
}
