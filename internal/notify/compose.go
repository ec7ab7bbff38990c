package notify

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// compose builds the MIME tree
//
//	multipart/mixed
//	  multipart/alternative
//	    text/plain
//	    multipart/related
//	      text/html
//	      logo.png
//	      map.png (optional)
//	  Event.ics (optional)
func compose(r *Rendered, from, to *mail.Address, method string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(r.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("multipart/mixed", nil)

	var buf bytes.Buffer
	mw, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, err
	}

	if err := writeAlternative(mw, r); err != nil {
		return nil, err
	}

	if ics, ok := r.Attachment.Get(); ok {
		var ah message.Header
		ah.SetContentType("text/calendar", map[string]string{"method": method, "charset": "UTF-8"})
		ah.SetContentDisposition("attachment", map[string]string{"filename": "Event.ics"})
		ah.Set("Content-Transfer-Encoding", "base64")
		if err := writePart(mw, ah, ics); err != nil {
			return nil, fmt.Errorf("attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAlternative(mw *message.Writer, r *Rendered) error {
	var alt message.Header
	alt.SetContentType("multipart/alternative", nil)
	aw, err := mw.CreatePart(alt)
	if err != nil {
		return err
	}

	if err := writePart(aw, textHeader("text/plain"), []byte(r.Text)); err != nil {
		return fmt.Errorf("text part: %w", err)
	}

	var rel message.Header
	rel.SetContentType("multipart/related", map[string]string{"type": "text/html"})
	rw, err := aw.CreatePart(rel)
	if err != nil {
		return err
	}
	if err := writePart(rw, textHeader("text/html"), []byte(r.HTML)); err != nil {
		return fmt.Errorf("html part: %w", err)
	}
	if err := writeInline(rw, r.Logo); err != nil {
		return fmt.Errorf("logo: %w", err)
	}
	if img, ok := r.Map.Get(); ok {
		if err := writeInline(rw, img); err != nil {
			return fmt.Errorf("map: %w", err)
		}
	}
	if err := rw.Close(); err != nil {
		return err
	}
	return aw.Close()
}

func textHeader(contentType string) message.Header {
	var h message.Header
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	return h
}

func writeInline(w *message.Writer, img Inline) error {
	var h message.Header
	h.SetContentType("image/png", nil)
	h.SetContentDisposition("inline", map[string]string{"filename": img.Filename})
	h.Set("Content-ID", "<"+img.ContentID+">")
	h.Set("Content-Transfer-Encoding", "base64")
	return writePart(w, h, img.Data)
}

func writePart(w *message.Writer, h message.Header, body []byte) error {
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(pw, bytes.NewReader(body)); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

// composeTest builds the plain-text message sent by the mail settings check.
func composeTest(from, to *mail.Address, tag string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject("Test email from " + tag)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, "Your mail settings work. This message was sent by "+tag+".\r\n"); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
