package msgconvert

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// S1 — header injection, CRLF target.
func TestConvertS1HeaderInjectionCRLF(t *testing.T) {
	in := "From: de\rvil\nTo: me\n\nHi,\n\n...\n"
	want := "From: de\rvil\r\nTo: me\r\nX-TUID: one two tuid\r\n\r\nHi,\r\n\r\n...\r\n"

	out, err := Convert([]byte(in), Options{TargetCRLF: true, TUID: "one two tuid"})
	require.NoError(t, err)
	require.Equal(t, want, string(out))
}

// S2 — existing X-TUID replaced in place.
func TestConvertS2ExistingTUIDReplaced(t *testing.T) {
	in := "From: x\nX-TUID: garbage\nTo: y\n\nB\n"
	want := "From: x\nX-TUID: one two tuid\nTo: y\n\nB\n"

	out, err := Convert([]byte(in), Options{TUID: "one two tuid"})
	require.NoError(t, err)
	require.Equal(t, want, string(out))
}

// S3 — placeholder for an oversized flagged message.
func TestConvertS3Placeholder(t *testing.T) {
	in := "From: a\nTo: b\n\nbody\n"

	out, err := Convert([]byte(in), Options{
		TUID:        "placeholdertuid",
		Placeholder: &Placeholder{OriginalSize: 2345687, Flagged: true},
	})
	require.NoError(t, err)
	s := string(out)

	require.Contains(t, s, "X-TUID: placeholdertuid")
	require.Contains(t, s, "Subject: [placeholder] (No Subject)")
	require.Contains(t, s, "over the MaxSize limit")
	require.Contains(t, s, "flagged as important")
	require.NotContains(t, s, "body", "the original body must not survive into a placeholder")
}

func TestConvertPlaceholderPrefixesExistingSubject(t *testing.T) {
	in := "From: a\nSubject: Quarterly report\n\nbody\n"
	out, err := Convert([]byte(in), Options{Placeholder: &Placeholder{OriginalSize: 1 << 20}})
	require.NoError(t, err)
	require.Contains(t, string(out), "Subject: [placeholder] Quarterly report")
}

// Conversion idempotence: no TUID, matching line endings, identity
// transform.
func TestConvertIdempotentWithNoTUIDAndMatchingEndings(t *testing.T) {
	in := "From: a\nTo: b\n\nHello\nWorld\n"
	out, err := Convert([]byte(in), Options{TargetCRLF: false})
	require.NoError(t, err)
	require.Equal(t, in, string(out))
}

// Incomplete header handling: message ends before the blank
// separator.
func TestConvertIncompleteHeader(t *testing.T) {
	in := "From: a\nTo: b" // no terminating blank line at all
	out, err := Convert([]byte(in), Options{TUID: "tu1"})
	require.NoError(t, err)
	s := string(out)
	require.True(t, strings.HasSuffix(s, "\n\n"), "a blank separator must be synthesized: %q", s)
	require.Contains(t, s, "X-TUID: tu1")
}
