package resource

import (
	"net/url"
	"strings"
)

// Extensions are the file extensions of generated paths.
var Extensions = [...]string{"html", "php", "asp", "aspx", "jsp", "json", "txt", "png", "jpg", "pdf", "gif", "ico"}

const letters = "abcdefghijklmnopqrstuvwxyz"

// GeneratePath returns "/seg[/seg[/seg]].ext" with 1-3 segments of 3-10
// lowercase letters.
func GeneratePath(r Rand) string {
	var b strings.Builder
	b.Grow(40)

	segments := r.Intn(3) + 1
	for i := 0; i < segments; i++ {
		b.WriteByte('/')
		writeLetters(&b, r, r.Intn(8)+3)
	}
	b.WriteByte('.')
	b.WriteString(Extensions[r.Intn(len(Extensions))])
	return b.String()
}

// AppendQuery adds 1-3 random key=value pairs to path. Keys have 3-7
// letters and values 3-8. When path already has a query the pairs are
// joined with '&'.
func AppendQuery(r Rand, path string) string {
	var b strings.Builder
	b.Grow(len(path) + 48)
	b.WriteString(path)

	sep := byte('?')
	if strings.Contains(path, "?") {
		sep = '&'
		if strings.HasSuffix(path, "?") || strings.HasSuffix(path, "&") {
			sep = 0
		}
	}

	params := r.Intn(3) + 1
	for i := 0; i < params; i++ {
		if sep != 0 {
			b.WriteByte(sep)
		}
		sep = '&'
		var kv strings.Builder
		writeLetters(&kv, r, r.Intn(5)+3)
		b.WriteString(url.QueryEscape(kv.String()))
		b.WriteByte('=')
		kv.Reset()
		writeLetters(&kv, r, r.Intn(6)+3)
		b.WriteString(url.QueryEscape(kv.String()))
	}
	return b.String()
}

func writeLetters(b *strings.Builder, r Rand, n int) {
	for i := 0; i < n; i++ {
		b.WriteByte(letters[r.Intn(len(letters))])
	}
}
