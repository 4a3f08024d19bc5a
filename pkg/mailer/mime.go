package mailer

import (
	"bytes"
	"mime"
	"net/mail"
	"sort"
	"time"
)

// buildMIME renders m as an RFC 5322 message.
func buildMIME(m Message, now time.Time) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}

	header("From", (&mail.Address{Name: m.FromName, Address: m.From}).String())
	header("To", (&mail.Address{Address: m.To}).String())
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	if m.IsHTML {
		header("Content-Type", `text/html; charset="utf-8"`)
	} else {
		header("Content-Type", `text/plain; charset="utf-8"`)
	}
	header("Content-Transfer-Encoding", "8bit")

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		header(k, mime.QEncoding.Encode("utf-8", m.Headers[k]))
	}

	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return b.Bytes()
}
