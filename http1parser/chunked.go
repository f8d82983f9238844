package http1parser

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// 单个chunk的大小上限，防止恶意size行把内存打爆
const maxChunkSize = 1 << 30

// parseChunkSize 解析十六进制chunk大小，忽略';'后的扩展
func parseChunkSize(line string) (int64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, ErrMalformedFraming
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 || n > maxChunkSize {
		return 0, ErrMalformedFraming
	}
	return n, nil
}

// CopyChunked 把一个chunked编码的body从src原样搬运到dst：
// size行、数据、CRLF、0结束块和trailer全部按原帧重新发出，
// 两端看到的字节序列一致。onData只回调数据部分。
// 返回搬运的数据字节总数(不含帧开销)。
func CopyChunked(dst io.Writer, src *FramedStream, chunk []byte, onData func([]byte)) (int64, error) {
	var total int64
	for {
		line, err := src.ReadLine()
		if err != nil {
			return total, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return total, err
		}
		if _, err := io.WriteString(dst, line+"\r\n"); err != nil {
			return total, err
		}
		if size == 0 {
			// trailer部分逐行透传直到空行
			for {
				tline, err := src.ReadLine()
				if err != nil {
					return total, err
				}
				if _, err := io.WriteString(dst, tline+"\r\n"); err != nil {
					return total, err
				}
				if tline == "" {
					return total, nil
				}
			}
		}
		n, err := src.CopyTo(dst, size, chunk, onData)
		total += n
		if err != nil {
			return total, err
		}
		// 数据块后面必须跟CRLF
		tail, err := src.ReadLine()
		if err != nil {
			return total, err
		}
		if tail != "" {
			return total, ErrMalformedFraming
		}
		if _, err := io.WriteString(dst, "\r\n"); err != nil {
			return total, err
		}
	}
}

// ReadChunkedBody 把chunked body完整解码进内存，供hook查看和改写。
// trailer直接丢弃。
func ReadChunkedBody(src *FramedStream, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := src.ReadLine()
		if err != nil {
			return nil, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			for {
				tline, err := src.ReadLine()
				if err != nil {
					return nil, err
				}
				if tline == "" {
					return buf.Bytes(), nil
				}
			}
		}
		if limit > 0 && int64(buf.Len())+size > limit {
			return nil, ErrMalformedFraming
		}
		if _, err := io.CopyN(&buf, src, size); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		tail, err := src.ReadLine()
		if err != nil {
			return nil, err
		}
		if tail != "" {
			return nil, ErrMalformedFraming
		}
	}
}

// ChunkedWriter 把写入的数据按chunked编码发出。Close只写结束块，
// 不关底层连接。
type ChunkedWriter struct {
	w io.Writer
}

func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

func (cw *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(cw.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := cw.w.Write(p)
	if err != nil {
		return n, err
	}
	_, err = io.WriteString(cw.w, "\r\n")
	return n, err
}

func (cw *ChunkedWriter) Close() error {
	_, err := io.WriteString(cw.w, "0\r\n\r\n")
	return err
}
