package http

import (
	"bytes"
	_ "embed"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

//go:embed reload.js
var reloadScript []byte

// ReloadSnippet returns the script tag inserted into served HTML pages.
func ReloadSnippet() []byte {
	snippet := make([]byte, 0, len(reloadScript)+len("<script></script>"))
	snippet = append(snippet, "<script>"...)
	snippet = append(snippet, reloadScript...)
	snippet = append(snippet, "</script>"...)
	return snippet
}

// InjectReload inserts snippet right after the document's <head> start tag.
// Documents without a <head> before <body> are returned unchanged with
// false.
func InjectReload(doc, snippet []byte) ([]byte, bool) {
	z := html.NewTokenizer(bytes.NewReader(doc))
	offset := 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return doc, false
		}
		offset += len(z.Raw())

		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		name, _ := z.TagName()
		switch atom.Lookup(name) {
		case atom.Head:
			out := make([]byte, 0, len(doc)+len(snippet))
			out = append(out, doc[:offset]...)
			out = append(out, snippet...)
			out = append(out, doc[offset:]...)
			return out, true
		case atom.Body:
			return doc, false
		}
	}
}
