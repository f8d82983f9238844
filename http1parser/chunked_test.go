package http1parser

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyChunked_Passthrough(t *testing.T) {
	// 带扩展和trailer的chunked流要原帧透传，两端字节一致
	wire := "5;ext=1\r\nhello\r\n6\r\n world\r\n0\r\nX-Trailer: v\r\n\r\n"
	fs := newTestStream(wire+"NEXT", 256)

	var dst bytes.Buffer
	var data bytes.Buffer
	total, err := CopyChunked(&dst, fs, make([]byte, 4), func(chunk []byte) {
		data.Write(chunk)
	})
	require.NoError(t, err)

	assert.Equal(t, wire, dst.String())
	assert.Equal(t, int64(11), total)
	assert.Equal(t, "hello world", data.String())

	// 下一个请求的字节不能被吃掉
	rest := make([]byte, 4)
	require.NoError(t, fs.ReadExact(rest))
	assert.Equal(t, "NEXT", string(rest))
}

func TestCopyChunked_Malformed(t *testing.T) {
	fs := newTestStream("zz\r\ndata\r\n", 256)
	var dst bytes.Buffer
	_, err := CopyChunked(&dst, fs, make([]byte, 8), nil)
	assert.ErrorIs(t, err, ErrMalformedFraming)

	// chunk数据后面必须跟CRLF
	fs = newTestStream("3\r\nabcX\r\n", 256)
	_, err = CopyChunked(&dst, fs, make([]byte, 8), nil)
	assert.ErrorIs(t, err, ErrMalformedFraming)
}

func TestReadChunkedBody(t *testing.T) {
	fs := newTestStream("4\r\nwiki\r\n5\r\npedia\r\n0\r\n\r\n", 256)
	body, err := ReadChunkedBody(fs, 0)
	require.NoError(t, err)
	assert.Equal(t, "wikipedia", string(body))
}

func TestChunkedWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := NewChunkedWriter(&buf)
	_, err := cw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, cw.Close())
	assert.Equal(t, "5\r\nhello\r\n0\r\n\r\n", buf.String())

	// 编码结果要能被解码侧还原
	fs := newTestStream(buf.String(), 64)
	body, err := ReadChunkedBody(fs, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}
