// Package stream decodes OpenAI-style chat completion event streams into a
// growing assistant reply. It consumes "data: {json}" lines from a byte
// source, extracts each chunk's delta content, and reports the cumulative
// text to a callback after every fragment, so callers can render partial
// replies as they arrive.
//
// This package intentionally does NOT provide SSE writer or server
// capabilities.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/counselhq/counsel/pkg/llm"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// DeltaFunc receives the full accumulated reply after each parsed fragment,
// not just the new fragment. Callers render by replacing displayed content
// rather than appending.
type DeltaFunc func(cumulative string)

// Decoder reassembles a completion event stream. Feed it raw chunks as they
// arrive; after every complete "data:" line carrying a non-empty fragment it
// appends the fragment to the accumulated reply and invokes the callback.
//
// The buffer holds raw bytes between feeds, so a chunk boundary may land
// anywhere — including inside a multi-byte UTF-8 sequence. Splitting on '\n'
// is still safe: 0x0A never occurs as a UTF-8 continuation byte, so split
// runes reassemble in the buffer before their line completes.
//
// A Decoder is owned by a single decode operation and is not safe for
// concurrent use. Concurrent streams need independent Decoder instances.
type Decoder struct {
	buf     []byte
	acc     strings.Builder
	onDelta DeltaFunc
}

// NewDecoder creates a Decoder. A nil onDelta is allowed; fragments still
// accumulate and are available via Accumulated.
func NewDecoder(onDelta DeltaFunc) *Decoder {
	return &Decoder{onDelta: onDelta}
}

// Feed appends a chunk to the buffer and parses any complete lines.
func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)

	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			// No complete line yet; wait for more bytes.
			return
		}

		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		line = strings.TrimSuffix(line, "\r")

		payload, ok := strings.CutPrefix(line, dataPrefix)
		if !ok {
			// Blank lines, comments, and other fields are not data carriers.
			continue
		}

		payload = strings.TrimSpace(payload)
		if payload == doneSentinel {
			// End-of-stream sentinel: skip the rest of this chunk's lines.
			// Lines still in the buffer are parsed again only if the source
			// delivers another chunk.
			return
		}

		var sc llm.StreamChunk
		if err := json.Unmarshal([]byte(payload), &sc); err != nil {
			if json.Valid([]byte(payload)) {
				// Well-formed JSON without the expected chunk shape carries
				// no fragment; drop the line.
				continue
			}

			// Incomplete JSON means a line was split mid-payload, so restore
			// it and wait for the remaining bytes. A complete line whose
			// payload is genuinely malformed will fail again on every
			// subsequent feed, leaving the decoder parked on it until the
			// source ends; the text accumulated before it is still returned.
			d.buf = append([]byte(line+"\n"), d.buf...)
			return
		}

		if fragment := sc.Content(); fragment != "" {
			d.acc.WriteString(fragment)
			if d.onDelta != nil {
				d.onDelta(d.acc.String())
			}
		}
	}
}

// Accumulated returns the reply text parsed so far.
func (d *Decoder) Accumulated() string {
	return d.acc.String()
}

// Decode drains src through a new Decoder and returns the final accumulated
// reply. onDelta is invoked synchronously, in arrival order, once per
// non-empty fragment. On a source read error the text accumulated so far is
// returned alongside the error.
func Decode(src Source, onDelta DeltaFunc) (string, error) {
	d := NewDecoder(onDelta)

	for {
		chunk, done, err := src.Next()
		if err != nil {
			return d.Accumulated(), fmt.Errorf("reading stream: %w", err)
		}

		if len(chunk) > 0 {
			d.Feed(chunk)
		}

		if done {
			return d.Accumulated(), nil
		}
	}
}

// DecodeResponse decodes the event stream carried by an HTTP response.
// A non-OK status or missing body fails immediately, before any callback.
// The response body is closed before returning.
func DecodeResponse(resp *http.Response, onDelta DeltaFunc) (string, error) {
	if resp == nil {
		return "", errors.New("nil response")
	}

	if resp.StatusCode != http.StatusOK {
		var detail string
		if resp.Body != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			detail = strings.TrimSpace(string(body))
		}
		if detail == "" {
			return "", fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, detail)
	}

	if resp.Body == nil {
		return "", errors.New("response has no body")
	}
	defer resp.Body.Close()

	return Decode(NewReaderSource(resp.Body), onDelta)
}
