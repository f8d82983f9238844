package mproxy

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// AuthChallenger 401挑战处理器(Windows/NTLM一类的协商逻辑在实现
// 方)。核心只看布尔结果：Handle401返回true表示session已经被它
// 处置掉了，循环直接退出。
type AuthChallenger interface {
	Authorize(sess *Psession) bool
	Handle401(sess *Psession) (disposed bool)
}

// authorize 显式端点的授权闸口。拒绝方负责把完整的407挑战响应
// 写给client，这里只门控布尔值。
func (proxy *CoreMitmServer) authorize(w io.Writer, sess *Psession) bool {
	if proxy.Authorizer == nil {
		return true
	}
	return proxy.Authorizer(w, sess)
}

func basicToken(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// BasicProxyAuth 基于Proxy-Authorization: Basic的授权判定。
// 拒绝时写407并带上challenge。
func BasicProxyAuth(realm string, check func(user, pass string) bool) func(io.Writer, *Psession) bool {
	return func(w io.Writer, sess *Psession) bool {
		var cred string
		if sess.Connect != nil {
			cred = sess.Connect.Header.Get("Proxy-Authorization")
		}
		if cred == "" && sess.Req != nil {
			cred = sess.Req.Header.Get("Proxy-Authorization")
		}
		if user, pass, ok := parseBasicCred(cred); ok && check(user, pass) {
			return true
		}
		fmt.Fprintf(w,
			"HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=%q\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
			realm)
		return false
	}
}

func parseBasicCred(value string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(value) < len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(value[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(raw), ":")
	return
}
