package capture

import (
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivorynet/inspector-go/pkg/fsutil"
)

func TestStripNonce(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want string
	}{
		{"no query", "/report", "/report"},
		{"nonce only", "/report?nonce=123", "/report"},
		{"nonce then more", "/report?nonce=abc&x=1", "/report"},
		{"other query kept", "/report?x=1", "/report?x=1"},
		{"nonce not first param", "/report?x=1&nonce=2", "/report?x=1&nonce=2"},
		{"first occurrence wins", "/a?nonce=1/b?nonce=2", "/a"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripNonce(tt.uri))
		})
	}
}

func TestFromRequestWithoutCookies(t *testing.T) {
	r := httptest.NewRequest("POST", "http://example.com/report?nonce=123", strings.NewReader("foo=bar"))

	rec, err := FromRequest(r)
	require.NoError(t, err)

	want := "HTTP_HOST: example.com\n" +
		"REQUEST_URI: /report\n" +
		"No cookies in attribution request.\n" +
		"Request body:\n" +
		"foo=bar\n"
	assert.Equal(t, want, string(rec.Bytes()))
}

func TestFromRequestWithCookiesAndContentType(t *testing.T) {
	r := httptest.NewRequest("POST", "http://127.0.0.1:8000/.well-known/report", strings.NewReader(`{"a":1}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Add("Cookie", "a=1")
	r.Header.Add("Cookie", "b=2")

	rec, err := FromRequest(r)
	require.NoError(t, err)

	out := string(rec.Bytes())
	assert.Contains(t, out, "Cookies in attribution request: a=1; b=2\n")
	assert.Contains(t, out, "Content type: application/json\n")
	assert.NotContains(t, out, noCookiesLine)
	assert.True(t, strings.HasSuffix(out, "Request body:\n{\"a\":1}\n"))
}

func TestFromRequestEmptyBody(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.com/report", nil)

	rec, err := FromRequest(r)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(rec.Bytes()), "Request body:\n\n"))
}

func TestRecordWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversionReport.txt")
	rec := &Record{Lines: []string{"HTTP_HOST: example.com"}, Body: []byte("x")}

	require.NoError(t, rec.WriteFile(path, time.Second))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "HTTP_HOST: example.com\nRequest body:\nx\n", string(content))

	_, err = os.Stat(fsutil.TempPath(path))
	assert.True(t, os.IsNotExist(err))
}

func TestRecordWriteFileConcurrentReadersSeeWholeFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversionReport.txt")

	valid := make(map[string]bool)
	var records []*Record
	for i := 0; i < 10; i++ {
		rec := &Record{
			Lines: []string{fmt.Sprintf("HTTP_HOST: host-%d", i)},
			Body:  []byte(strings.Repeat(fmt.Sprint(i), 4096)),
		}
		records = append(records, rec)
		valid[string(rec.Bytes())] = true
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			assert.True(t, valid[string(content)], "observed partial report")
		}
	}()

	var writers sync.WaitGroup
	for _, rec := range records {
		writers.Add(1)
		go func(rec *Record) {
			defer writers.Done()
			assert.NoError(t, rec.WriteFile(path, 10*time.Second))
		}(rec)
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, valid[string(content)])
}

func TestFromRequestRejectsOversizedBody(t *testing.T) {
	r := httptest.NewRequest("POST", "http://example.com/conversionReport", strings.NewReader(strings.Repeat("x", MaxReportBodyLen+1)))
	_, err := FromRequest(r)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}
