package queueclient

import (
	"bytes"
	"io"

	"github.com/teranos/xpool/internal/errors"
)

func readAll(r io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	return buf, nil
}

// newRewoundBody hands callers a fresh io.ReadCloser over bytes the Queue
// Client already consumed to classify the response, so VerdictOK responses
// are still readable by whoever receives them.
func newRewoundBody(buf []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(buf))
}
