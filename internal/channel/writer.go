package channel

import (
	"io"

	ocerr "oobchan/internal/errors"
	"oobchan/util"
)

// Write sends the whole payload to w, blocking until every byte is
// written or an error occurs.  An empty payload is a no-op.  Failures
// are returned as *errors.WriteError.
func Write(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if _, err := util.WriteFull(w, payload); err != nil {
		name := ""
		if d, ok := w.(*Duplex); ok {
			name = d.Channel()
		}
		return &ocerr.WriteError{Channel: name, Err: err}
	}
	return nil
}
