// Package msgconvert implements the message body conversion boxsync
// performs on every message it copies from one store to another, so
// the body survives the trip across line-ending conventions and can
// carry the TUID that makes propagation resumable.
package msgconvert

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// Options controls one conversion.
type Options struct {
	// TargetCRLF is true when the target store wants CRLF line endings
	// (e.g. most IMAP servers); false means LF (e.g. Maildir).
	TargetCRLF bool

	// TUID, if non-empty, is injected as an X-TUID header so an
	// interrupted copy can be re-identified on resume.
	TUID string

	// Placeholder, if non-nil, requests the minimal/placeholder
	// rewriting instead of a faithful copy.
	Placeholder *Placeholder
}

// Placeholder describes the synthetic stub stored in place of an
// oversized message.
type Placeholder struct {
	OriginalSize int64
	Flagged      bool
}

// maxOutputSize is the "fits in INT_MAX" guarantee.
const maxOutputSize = math.MaxInt32

// ErrTooBig is returned when the converted message would exceed the
// size guarantee.
var ErrTooBig = fmt.Errorf("message is too big after conversion")

// Convert performs the line-ending normalization, X-TUID header
// rewriting, and (when requested) placeholder body synthesis a copy
// needs before it is stored on the target side.
//
// With no TUID and matching line endings, a message that has a
// header/body separator, ends in a newline and carries no X-TUID header
// comes back unchanged; a missing separator or final newline is added,
// and an existing X-TUID header is dropped.
func Convert(src []byte, opts Options) ([]byte, error) {
	lines, _ := splitKeepingContent(src)

	sepIdx := headerSeparatorIndex(lines)
	incomplete := sepIdx == -1

	var header, body []string
	if incomplete {
		// Message ends before the header separator.
		// Treat everything as (a possibly continued) header; the
		// engine completes the last line and appends the TUID/blank
		// separator itself below.
		header = lines
		body = nil
	} else {
		header = lines[:sepIdx]
		body = lines[sepIdx+1:]
	}

	header = rewriteTUID(header, opts.TUID)

	var subject string
	hadSubject := false
	for _, h := range header {
		if isHeaderField(h, "Subject") {
			subject = headerValue(h)
			hadSubject = true
			break
		}
	}

	if opts.Placeholder != nil {
		header = rewriteSubjectForPlaceholder(header, subject, hadSubject)
		body = placeholderBody(opts.Placeholder)
	}

	eol := "\n"
	if opts.TargetCRLF {
		eol = "\r\n"
	}

	var out bytes.Buffer
	for _, h := range header {
		out.WriteString(h)
		out.WriteString(eol)
	}
	out.WriteString(eol) // header/body blank separator
	for _, b := range body {
		out.WriteString(b)
		out.WriteString(eol)
	}

	if out.Len() > maxOutputSize {
		return nil, ErrTooBig
	}
	return out.Bytes(), nil
}

// ExtractTUID returns the X-TUID header value from a message body, or
// "" if the message carries none. Used to re-identify a just-stored
// copy when the target driver couldn't report the UID it was assigned.
func ExtractTUID(src []byte) string {
	lines, _ := splitKeepingContent(src)
	sepIdx := headerSeparatorIndex(lines)
	header := lines
	if sepIdx != -1 {
		header = lines[:sepIdx]
	}
	for _, h := range header {
		if isHeaderField(h, "X-TUID") {
			return headerValue(h)
		}
	}
	return ""
}

// splitKeepingContent splits src on LF, stripping a lone trailing CR
// from each chunk (the half of a CRLF pair) while leaving any CR that
// is NOT immediately followed by LF untouched, since that CR is part
// of the line's actual content, not a line terminator.
func splitKeepingContent(src []byte) (lines []string, hadTrailingNewline bool) {
	s := string(src)
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, "\n")
	hadTrailingNewline = parts[len(parts)-1] == ""
	if hadTrailingNewline {
		parts = parts[:len(parts)-1]
	}
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	return parts, hadTrailingNewline
}

// headerSeparatorIndex returns the index of the first blank line, or
// -1 if the header section never terminates.
func headerSeparatorIndex(lines []string) int {
	for i, l := range lines {
		if l == "" {
			return i
		}
	}
	return -1
}

func isHeaderField(line, name string) bool {
	if len(line) <= len(name) {
		return false
	}
	return strings.EqualFold(line[:len(name)], name) && line[len(name)] == ':'
}

func headerValue(line string) string {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(line[i+1:])
}

// rewriteTUID strips or replaces an existing X-TUID header in place;
// if none exists and a TUID was requested, it is appended as the last
// header line, immediately before the blank separator.
func rewriteTUID(header []string, tuid string) []string {
	out := make([]string, 0, len(header)+1)
	found := false
	for _, h := range header {
		if isHeaderField(h, "X-TUID") {
			if tuid != "" {
				out = append(out, "X-TUID: "+tuid)
				found = true
			}
			// else: drop the stale header entirely
			continue
		}
		out = append(out, h)
	}
	if tuid != "" && !found {
		out = append(out, "X-TUID: "+tuid)
	}
	return out
}

// rewriteSubjectForPlaceholder prefixes an existing Subject with
// "[placeholder]", or synthesizes one if the message had none.
func rewriteSubjectForPlaceholder(header []string, subject string, had bool) []string {
	if had {
		out := make([]string, 0, len(header))
		for _, h := range header {
			if isHeaderField(h, "Subject") {
				out = append(out, "Subject: [placeholder] "+subject)
				continue
			}
			out = append(out, h)
		}
		return out
	}
	return append(header, "Subject: [placeholder] (No Subject)")
}

// placeholderBody synthesizes the minimal stand-in body.
func placeholderBody(p *Placeholder) []string {
	size := humanize.IBytes(uint64(p.OriginalSize))
	lines := []string{
		fmt.Sprintf("This message is %s, over the MaxSize limit configured for this channel.", size),
		"Only a placeholder has been stored; the original message was left on the source.",
	}
	if p.Flagged {
		lines = append(lines, "", "The original message is flagged as important.")
	}
	return lines
}
