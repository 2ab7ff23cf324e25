package boxstate

import (
	"crypto/rand"
	"encoding/base32"
)

// tuidEncoding is the base32hex alphabet in lower case, without padding,
// used to render the 12 random bytes of a TUID into a short,
// header-safe, case-insensitive token.
var tuidEncoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

// NewTUID generates a fresh temporary unique id: 12 random bytes,
// rendered as a base32-ish string. It is injected into the message
// body as an X-TUID header during propagation so an
// interrupted copy can be re-identified on the target after resume.
func NewTUID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return tuidEncoding.EncodeToString(buf), nil
}
