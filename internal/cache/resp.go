package cache

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// replyKind enumerates the RESP2 reply types the provider consumes.
type replyKind byte

const (
	replyStatus  replyKind = '+'
	replyInteger replyKind = ':'
	replyBulk    replyKind = '$'
	replyNil     replyKind = 0
)

type respReply struct {
	kind replyKind
	data []byte
}

func (r respReply) is(kind replyKind, text string) bool {
	return r.kind == kind && string(r.data) == text
}

// serverError is an error reply. The connection stays usable after one.
type serverError string

func (e serverError) Error() string { return "valkey: " + string(e) }

func writeCommand(w *bufio.Writer, args ...[]byte) error {
	w.WriteString("*")
	w.WriteString(strconv.Itoa(len(args)))
	w.WriteString("\r\n")
	for _, arg := range args {
		w.WriteString("$")
		w.WriteString(strconv.Itoa(len(arg)))
		w.WriteString("\r\n")
		w.Write(arg)
		w.WriteString("\r\n")
	}
	return w.Flush()
}

func readReply(r *bufio.Reader) (respReply, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return respReply{}, err
	}
	if len(line) < 3 || line[len(line)-2] != '\r' {
		return respReply{}, fmt.Errorf("malformed RESP line %q", line)
	}
	kind, body := replyKind(line[0]), line[1:len(line)-2]

	switch kind {
	case replyStatus, replyInteger:
		return respReply{kind: kind, data: append([]byte(nil), body...)}, nil
	case '-':
		return respReply{}, serverError(body)
	case replyBulk:
		size, err := strconv.Atoi(string(body))
		if err != nil {
			return respReply{}, fmt.Errorf("bulk length: %w", err)
		}
		if size < 0 {
			return respReply{kind: replyNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return respReply{}, err
		}
		return respReply{kind: replyBulk, data: buf[:size]}, nil
	}
	return respReply{}, fmt.Errorf("unexpected RESP prefix %q", line[0])
}
