package mproxy

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// body编解码。代理声明只接受gzip,deflate，hook读body时用这里解开，
// hook改完body设了Content-Encoding就用这里重新压回去。

// Compress 按encoding压缩。不认识的编码报错，会话层收到这个错误
// 会处置掉本次交换。
func Compress(encoding string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("mproxy: unsupported content encoding %q", encoding)
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress 解开gzip/deflate。identity原样返回。
func Decompress(encoding string, data []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch encoding {
	case "", "identity":
		return data, nil
	case "gzip":
		r, err = gzip.NewReader(bytes.NewReader(data))
	case "deflate":
		r, err = zlib.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("mproxy: unsupported content encoding %q", encoding)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
