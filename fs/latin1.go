package fs

// Latin1ToUTF8 converts a Latin-1 (ISO 8859-1) byte string, as used for names
// in the AFFS and SFS directory formats, to UTF-8. Every Latin-1 code
// point maps 1:1 onto a Unicode code point, so this is a direct widen-and-
// encode with no lookup table.
func Latin1ToUTF8(raw []byte) string {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}
