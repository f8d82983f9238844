package mproxy

import (
	"strconv"

	"mitm_man/http1parser"
)

// NewResponse 凭空造一个内存响应：带Content-Type和Content-Length头，
// body已就绪(BodyRead为true)
func NewResponse(version, contentType string, status int, reason, body string) *Response {
	header := http1parser.NewHeaderBlock()
	header.Add("Content-Type", contentType)
	header.Add("Content-Length", strconv.Itoa(len(body)))
	resp := &Response{
		Version:       version,
		StatusCode:    status,
		Status:        reason,
		Header:        header,
		ContentLength: int64(len(body)),
		Body:          []byte(body),
		BodyRead:      true,
	}
	return resp
}

const (
	ContentTypeText = "text/plain"
	ContentTypeHtml = "text/html"
)

// TextResponse NewResponse的常用别名
func TextResponse(version string, status int, reason, text string) *Response {
	return NewResponse(version, ContentTypeText, status, reason, text)
}
