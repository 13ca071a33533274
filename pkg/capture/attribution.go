package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aivorynet/inspector-go/pkg/fsutil"
)

const (
	// ReportCookieName is set on every successfully recorded report.
	ReportCookieName = "cookieSetInConversionReport"

	// MaxReportBodyLen bounds the body of a recorded report.
	MaxReportBodyLen = 10 << 20

	noncePrefix   = "?nonce="
	noCookiesLine = "No cookies in attribution request."
	bodyMarker    = "Request body:"
)

// ErrBodyTooLarge is returned for bodies over MaxReportBodyLen. Reports are
// never recorded with a truncated body.
var ErrBodyTooLarge = errors.New("attribution report body too large")

// Record is a captured attribution report: labeled header lines followed by
// the raw request body.
type Record struct {
	Lines []string
	Body  []byte
}

// FromRequest reads the body of r and captures the report fields. It
// fails with ErrBodyTooLarge rather than truncating the body.
// Lines follow CGI variable order: host and header-derived values first,
// then the request URI.
func FromRequest(r *http.Request) (*Record, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, MaxReportBodyLen+1))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, ErrBodyTooLarge
			}
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		if len(b) > MaxReportBodyLen {
			return nil, ErrBodyTooLarge
		}
		body = b
	}

	rec := &Record{Body: body}
	cookiesFound := false

	if r.Host != "" {
		rec.Lines = append(rec.Lines, "HTTP_HOST: "+r.Host)
	}
	if cookies := r.Header.Values("Cookie"); len(cookies) > 0 {
		rec.Lines = append(rec.Lines, "Cookies in attribution request: "+strings.Join(cookies, "; "))
		cookiesFound = true
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		rec.Lines = append(rec.Lines, "Content type: "+ct)
	}
	rec.Lines = append(rec.Lines, "REQUEST_URI: "+StripNonce(requestURI(r)))

	if !cookiesFound {
		rec.Lines = append(rec.Lines, noCookiesLine)
	}

	return rec, nil
}

// StripNonce truncates uri at the first "?nonce=".
func StripNonce(uri string) string {
	if i := strings.Index(uri, noncePrefix); i >= 0 {
		return uri[:i]
	}
	return uri
}

// Bytes renders the record in its on-disk format.
func (rec *Record) Bytes() []byte {
	var buf bytes.Buffer
	for _, line := range rec.Lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteString(bodyMarker)
	buf.WriteByte('\n')
	buf.Write(rec.Body)
	buf.WriteByte('\n')
	return buf.Bytes()
}

// WriteFile replaces path with the rendered record. Concurrent writers of
// the same path are serialized; the last one to finish wins.
func (rec *Record) WriteFile(path string, lockTimeout time.Duration) error {
	data := rec.Bytes()
	return fsutil.WithLock(path, lockTimeout, func() error {
		return fsutil.AtomicWriteFile(path, data, 0644)
	})
}
