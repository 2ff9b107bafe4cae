package relay

import (
	"bufio"
	"bytes"
	"net/textproto"
	"strings"
)

const (
	// hdrLine opens every header block on the wire; statusHdr carries the
	// three-digit status a server attaches to synthetic replies (for
	// example 503 when a request has no responders).
	hdrLine       = "RELAY/1.0"
	statusHdr     = "Status"
	descrHdr      = "Description"
	noResponders  = "503"
	statusLen     = 3
	crlf          = "\r\n"
	hdrPreEnd     = len(hdrLine)
	inboxPrefix   = "_INBOX."
	btsep         = '.'
	replyPortion  = 1
	subjectTokSep = "."
)

// Msg is a single inbound or outbound message. Sub is set on delivered
// messages to the subscription that received them.
type Msg struct {
	Subject string
	Reply   string
	Header  Header
	Data    []byte
	Sub     *Subscription
}

// Header is the set of key/value pairs carried by an HPUB/HMSG frame. The
// shape matches net/http.Header so the textproto reader can decode it
// directly.
type Header map[string][]string

// Get returns the first value associated with the given key, or "".
func (header Header) Get(key string) string {
	if header == nil {
		return ""
	}
	if values := header[textproto.CanonicalMIMEHeaderKey(key)]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// Set replaces any existing values for key.
func (header Header) Set(key, value string) {
	header[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Add appends a value for key, keeping previous ones.
func (header Header) Add(key, value string) {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	header[canonical] = append(header[canonical], value)
}

// Del removes all values for key.
func (header Header) Del(key string) {
	delete(header, textproto.CanonicalMIMEHeaderKey(key))
}

// Values returns every value associated with key.
func (header Header) Values(key string) []string {
	if header == nil {
		return nil
	}
	return header[textproto.CanonicalMIMEHeaderKey(key)]
}

// encodeHeaders renders the wire form of a header block, version line and
// trailing blank line included.
func encodeHeaders(header Header) []byte {
	var builder bytes.Buffer
	builder.WriteString(hdrLine)
	builder.WriteString(crlf)
	for key, values := range header {
		for _, value := range values {
			builder.WriteString(key)
			builder.WriteString(": ")
			builder.WriteString(value)
			builder.WriteString(crlf)
		}
	}
	builder.WriteString(crlf)
	return builder.Bytes()
}

// decodeHeaders parses a wire header block. The version line may carry an
// inline status ("RELAY/1.0 503"), which is surfaced as the Status header.
func decodeHeaders(data []byte) (Header, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, hdrLine) {
		return nil, NewError(ProtocolError, "invalid header block")
	}

	header := make(Header)
	if stripped := strings.TrimSpace(line[hdrPreEnd:]); stripped != "" {
		status, description, found := strings.Cut(stripped, " ")
		header.Set(statusHdr, status)
		if found && description != "" {
			header.Set(descrHdr, strings.TrimSpace(description))
		}
	}

	mimeHeader, err := textproto.NewReader(reader).ReadMIMEHeader()
	if err != nil && len(mimeHeader) == 0 && len(header) == 0 {
		return nil, NewError(ProtocolError, "invalid header block")
	}
	for key, values := range mimeHeader {
		header[key] = append(header[key], values...)
	}
	return header, nil
}

// isNoResponders reports whether a message is the server's synthetic "no
// interest" reply to a request: empty payload plus a 503 status header.
func (msg *Msg) isNoResponders() bool {
	return msg != nil && len(msg.Data) == 0 && msg.Header.Get(statusHdr) == noResponders
}

// badSubject reports whether a subject fails publish-side validation:
// empty, leading/trailing/doubled separators, or embedded whitespace.
func badSubject(subject string) bool {
	if subject == "" {
		return true
	}
	if strings.ContainsAny(subject, " \t\r\n") {
		return true
	}
	for _, token := range strings.Split(subject, subjectTokSep) {
		if token == "" {
			return true
		}
	}
	return false
}

// badQueue rejects queue group names with whitespace or separators.
func badQueue(queue string) bool {
	return queue == "" || strings.ContainsAny(queue, " \t\r\n.")
}

func normalizeErr(reason string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(reason), "'"))
}
